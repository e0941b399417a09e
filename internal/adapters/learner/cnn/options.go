package cnn

// Option configures a Learner.
type Option func(*config)

type config struct {
	classes   int
	channels  int
	imageSize int
	batchSize int
}

// WithImageSize sets the square input size. It must be divisible by 4.
func WithImageSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.imageSize = n
		}
	}
}

// WithChannels sets the number of input channels.
func WithChannels(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.channels = n
		}
	}
}

// WithBatchSize sets the batch dimension compiled into the graphs. Shorter
// batches are zero-padded.
func WithBatchSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.batchSize = n
		}
	}
}
