package repository

import "github.com/okian/fedlab/pkg/logger"

// Option applies a configuration option to a store.
type Option func(*storeOptions)

type storeOptions struct {
	log        logger.Logger
	metaSuffix string
	collection string
}

func applyOptions(component string, opts []Option) storeOptions {
	o := storeOptions{metaSuffix: ":meta", collection: "rounds"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Get().Named(component)
	}
	return o
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(o *storeOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetaKeySuffix sets the suffix of the Redis metadata key.
func WithMetaKeySuffix(suffix string) Option {
	return func(o *storeOptions) {
		if suffix != "" {
			o.metaSuffix = suffix
		}
	}
}

// WithCollection sets the Mongo collection used for round history.
func WithCollection(name string) Option {
	return func(o *storeOptions) {
		if name != "" {
			o.collection = name
		}
	}
}
