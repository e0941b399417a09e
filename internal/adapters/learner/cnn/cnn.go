// Package cnn implements trainer.Learner with a small convolutional network
// built on gorgonia:
//
//	conv(C->32, 3x3, pad 1) -> relu -> maxpool 2
//	conv(32->64, 3x3, pad 1) -> relu -> maxpool 2
//	fc(64*(S/4)^2 -> 128) -> relu -> fc(128 -> classes) -> softmax
//
// Parameters are exposed in layer order, each weight followed by its bias:
// conv1, conv2, fc1, fc2.
package cnn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/okian/fedlab/internal/domain/dataset"
	"github.com/okian/fedlab/internal/domain/params"
	"github.com/okian/fedlab/internal/domain/trainer"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	conv1Filters = 32
	conv2Filters = 64
	hiddenUnits  = 128
	minProb      = 1e-12
)

var dt = tensor.Float32 //nolint:gochecknoglobals // element type shared by every node

// network is one compiled copy of the architecture.
type network struct {
	g       *G.ExprGraph
	x, y, n *G.Node
	out     *G.Node
	cost    *G.Node
	weights []*G.Node
	vm      G.VM
}

// Learner trains the network with vanilla SGD. A second, forward-only graph
// is used for evaluation; its weights are synced from the training graph
// before each evaluation batch.
type Learner struct {
	cfg    config
	train  *network
	eval   *network
	solver *G.VanillaSolver
	lr     float64
	xT     *tensor.Dense
	yT     *tensor.Dense
}

// New builds the training and evaluation graphs for the given class count.
func New(classes int, opts ...Option) (*Learner, error) {
	cfg := config{classes: classes, channels: 3, imageSize: 32, batchSize: 32}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.classes < 1 {
		return nil, fmt.Errorf("%w: classes must be >= 1", ErrInvalidConfig)
	}
	if cfg.imageSize%4 != 0 {
		return nil, fmt.Errorf("%w: image size %d not divisible by 4", ErrInvalidConfig, cfg.imageSize)
	}

	train, err := build(cfg, true)
	if err != nil {
		return nil, fmt.Errorf("build training graph: %w", err)
	}
	eval, err := build(cfg, false)
	if err != nil {
		return nil, fmt.Errorf("build evaluation graph: %w", err)
	}
	l := &Learner{
		cfg:   cfg,
		train: train,
		eval:  eval,
		xT:    tensor.New(tensor.WithShape(cfg.batchSize, cfg.channels, cfg.imageSize, cfg.imageSize), tensor.Of(dt)),
		yT:    tensor.New(tensor.WithShape(cfg.batchSize, cfg.classes), tensor.Of(dt)),
	}
	return l, nil
}

func build(cfg config, withCost bool) (*network, error) {
	g := G.NewGraph()
	b, c, s := cfg.batchSize, cfg.channels, cfg.imageSize
	flat := conv2Filters * (s / 4) * (s / 4)

	nw := &network{g: g}
	nw.x = G.NewTensor(g, dt, 4, G.WithShape(b, c, s, s), G.WithName("x"))
	nw.weights = []*G.Node{
		G.NewTensor(g, dt, 4, G.WithShape(conv1Filters, c, 3, 3), G.WithName("conv1.weight"), G.WithInit(G.GlorotN(1.0))),
		G.NewVector(g, dt, G.WithShape(conv1Filters), G.WithName("conv1.bias"), G.WithInit(G.Zeroes())),
		G.NewTensor(g, dt, 4, G.WithShape(conv2Filters, conv1Filters, 3, 3), G.WithName("conv2.weight"), G.WithInit(G.GlorotN(1.0))),
		G.NewVector(g, dt, G.WithShape(conv2Filters), G.WithName("conv2.bias"), G.WithInit(G.Zeroes())),
		G.NewMatrix(g, dt, G.WithShape(flat, hiddenUnits), G.WithName("fc1.weight"), G.WithInit(G.GlorotN(1.0))),
		G.NewVector(g, dt, G.WithShape(hiddenUnits), G.WithName("fc1.bias"), G.WithInit(G.Zeroes())),
		G.NewMatrix(g, dt, G.WithShape(hiddenUnits, cfg.classes), G.WithName("fc2.weight"), G.WithInit(G.GlorotN(1.0))),
		G.NewVector(g, dt, G.WithShape(cfg.classes), G.WithName("fc2.bias"), G.WithInit(G.Zeroes())),
	}
	w := nw.weights

	h, err := convBlock(nw.x, w[0], w[1])
	if err != nil {
		return nil, fmt.Errorf("layer conv1: %w", err)
	}
	if h, err = convBlock(h, w[2], w[3]); err != nil {
		return nil, fmt.Errorf("layer conv2: %w", err)
	}
	if h, err = G.Reshape(h, tensor.Shape{b, flat}); err != nil {
		return nil, fmt.Errorf("flatten: %w", err)
	}
	if h, err = dense(h, w[4], w[5]); err != nil {
		return nil, fmt.Errorf("layer fc1: %w", err)
	}
	if h, err = G.Rectify(h); err != nil {
		return nil, fmt.Errorf("layer fc1 relu: %w", err)
	}
	if h, err = dense(h, w[6], w[7]); err != nil {
		return nil, fmt.Errorf("layer fc2: %w", err)
	}
	if nw.out, err = G.SoftMax(h); err != nil {
		return nil, fmt.Errorf("softmax: %w", err)
	}

	if !withCost {
		nw.vm = G.NewTapeMachine(g)
		return nw, nil
	}

	nw.y = G.NewMatrix(g, dt, G.WithShape(b, cfg.classes), G.WithName("y"))
	nw.n = G.NewScalar(g, dt, G.WithName("n"))
	// Padding rows carry an all-zero target and drop out of the sum; n is the
	// number of real rows.
	logp, err := G.Log(nw.out)
	if err != nil {
		return nil, err
	}
	prod, err := G.HadamardProd(logp, nw.y)
	if err != nil {
		return nil, err
	}
	sum, err := G.Sum(prod)
	if err != nil {
		return nil, err
	}
	neg, err := G.Neg(sum)
	if err != nil {
		return nil, err
	}
	if nw.cost, err = G.Div(neg, nw.n); err != nil {
		return nil, err
	}
	if _, err = G.Grad(nw.cost, nw.weights...); err != nil {
		return nil, fmt.Errorf("gradient: %w", err)
	}
	nw.vm = G.NewTapeMachine(g, G.BindDualValues(nw.weights...))
	return nw, nil
}

// convBlock is conv 3x3 plus a per-filter bias, then relu and a 2x2 max pool.
func convBlock(in, filter, bias *G.Node) (*G.Node, error) {
	h, err := G.Conv2d(in, filter, tensor.Shape{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, err
	}
	rb, err := G.Reshape(bias, tensor.Shape{1, bias.Shape()[0], 1, 1})
	if err != nil {
		return nil, err
	}
	if h, err = G.BroadcastAdd(h, rb, nil, []byte{0, 2, 3}); err != nil {
		return nil, err
	}
	if h, err = G.Rectify(h); err != nil {
		return nil, err
	}
	return G.MaxPool2D(h, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
}

// dense is in x weight with the bias broadcast over the batch rows.
func dense(in, weight, bias *G.Node) (*G.Node, error) {
	h, err := G.Mul(in, weight)
	if err != nil {
		return nil, err
	}
	rb, err := G.Reshape(bias, tensor.Shape{1, bias.Shape()[0]})
	if err != nil {
		return nil, err
	}
	return G.BroadcastAdd(h, rb, nil, []byte{0})
}

func nodeData(n *G.Node) []float32 {
	return n.Value().Data().([]float32)
}

// Parameters returns a copy of the weights and biases in layer order.
func (l *Learner) Parameters() params.Parameters {
	out := make(params.Parameters, len(l.train.weights))
	for i, w := range l.train.weights {
		out[i] = params.Tensor{Shape: slices.Clone([]int(w.Shape())), Data: slices.Clone(nodeData(w))}
	}
	return out
}

// SetParameters copies p into the training graph's weights.
func (l *Learner) SetParameters(p params.Parameters) error {
	if err := params.CheckCompatible(l.Parameters(), p); err != nil {
		return err
	}
	for i, w := range l.train.weights {
		copy(nodeData(w), p[i].Data)
	}
	return nil
}

// load fills the input tensors with b, zero-padding up to the batch size.
func (l *Learner) load(b dataset.Batch) error {
	if b.Len() > l.cfg.batchSize {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, b.Len(), l.cfg.batchSize)
	}
	x := l.xT.Data().([]float32)
	clear(x)
	copy(x, b.X)
	y := l.yT.Data().([]float32)
	clear(y)
	for i, label := range b.Labels {
		if label >= 0 && label < l.cfg.classes {
			y[i*l.cfg.classes+label] = 1
		}
	}
	return nil
}

// TrainBatch runs forward, backward and one SGD step.
func (l *Learner) TrainBatch(ctx context.Context, b dataset.Batch, lr float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if b.Len() == 0 {
		return 0, nil
	}
	if err := l.load(b); err != nil {
		return 0, err
	}
	if l.solver == nil || l.lr != lr {
		l.solver = G.NewVanillaSolver(G.WithLearnRate(lr))
		l.lr = lr
	}

	nw := l.train
	defer nw.vm.Reset()
	if err := G.Let(nw.x, l.xT); err != nil {
		return 0, err
	}
	if err := G.Let(nw.y, l.yT); err != nil {
		return 0, err
	}
	if err := G.Let(nw.n, float32(b.Len())); err != nil {
		return 0, err
	}
	if err := nw.vm.RunAll(); err != nil {
		return 0, fmt.Errorf("forward/backward: %w", err)
	}
	if err := l.solver.Step(G.NodesToValueGrads(nw.weights)); err != nil {
		return 0, fmt.Errorf("sgd step: %w", err)
	}
	cost, ok := nw.cost.Value().Data().(float32)
	if !ok {
		return 0, fmt.Errorf("unexpected cost value %T", nw.cost.Value().Data())
	}
	return float64(cost), nil
}

// EvalBatch runs the forward-only graph and scores the real rows of b.
func (l *Learner) EvalBatch(ctx context.Context, b dataset.Batch) (float64, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if b.Len() == 0 {
		return 0, 0, nil
	}
	if err := l.load(b); err != nil {
		return 0, 0, err
	}
	nw := l.eval
	for i, w := range nw.weights {
		copy(nodeData(w), nodeData(l.train.weights[i]))
	}

	defer nw.vm.Reset()
	if err := G.Let(nw.x, l.xT); err != nil {
		return 0, 0, err
	}
	if err := nw.vm.RunAll(); err != nil {
		return 0, 0, fmt.Errorf("forward: %w", err)
	}

	probs := nodeData(nw.out)
	k := l.cfg.classes
	var lossSum float64
	correct := 0
	for i, label := range b.Labels {
		row := probs[i*k : (i+1)*k]
		if label >= 0 && label < k {
			lossSum -= math.Log(math.Max(float64(row[label]), minProb))
		}
		best := 0
		for j := 1; j < k; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		if best == label {
			correct++
		}
	}
	return lossSum, correct, nil
}

// Close releases the graphs' machines.
func (l *Learner) Close() error {
	var errs []error
	for _, nw := range []*network{l.train, l.eval} {
		if err := nw.vm.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ trainer.Learner = (*Learner)(nil)
