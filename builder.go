package xqueue

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// QueueBuilder constructs Queue instances (Builder pattern).
type QueueBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	storeName string
	storeCfg  map[string]any
	storeInst Store

	codecName string
	codecInst Codec

	cfg         Config
	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
}

// NewQueueBuilder returns a new builder with Defaults().
func NewQueueBuilder() *QueueBuilder {
	return &QueueBuilder{
		codecName: "json",
		cfg:       Defaults(),
	}
}

func (qb *QueueBuilder) WithTransport(name string, cfg map[string]any) *QueueBuilder {
	qb.transportName = name
	qb.transportCfg = cfg
	return qb
}

// WithTransportInstance accepts a ready Transport instance.
func (qb *QueueBuilder) WithTransportInstance(t Transport) *QueueBuilder {
	qb.transportInst = t
	return qb
}

func (qb *QueueBuilder) WithStore(name string, cfg map[string]any) *QueueBuilder {
	qb.storeName = name
	qb.storeCfg = cfg
	return qb
}

// WithStoreInstance accepts a ready Store instance.
func (qb *QueueBuilder) WithStoreInstance(s Store) *QueueBuilder {
	qb.storeInst = s
	return qb
}

func (qb *QueueBuilder) WithCodec(name string) *QueueBuilder {
	qb.codecName = name
	return qb
}

// WithCodecInstance accepts a ready Codec instance.
func (qb *QueueBuilder) WithCodecInstance(c Codec) *QueueBuilder {
	qb.codecInst = c
	return qb
}

// WithConfig replaces the whole Config.
func (qb *QueueBuilder) WithConfig(cfg Config) *QueueBuilder {
	qb.cfg = cfg
	return qb
}

// WithConfigMap applies a generic config map on top of Defaults().
func (qb *QueueBuilder) WithConfigMap(m map[string]any) *QueueBuilder {
	qb.cfg = ConfigFromMap(m)
	return qb
}

func (qb *QueueBuilder) WithMiddleware(mw ...Middleware) *QueueBuilder {
	if len(mw) == 0 {
		return qb
	}
	qb.middlewares = append(qb.middlewares, mw...)
	return qb
}

func (qb *QueueBuilder) WithObserver(obs ...Observer) *QueueBuilder {
	for _, o := range obs {
		if o != nil {
			qb.observers = append(qb.observers, o)
		}
	}
	return qb
}

// WithObserverPool sizes the async observer pool.
func (qb *QueueBuilder) WithObserverPool(workers, bufferSize int) *QueueBuilder {
	qb.cfg.ObserverWorkers = workers
	qb.cfg.ObserverBuffer = bufferSize
	return qb
}

func (qb *QueueBuilder) WithLogger(l *xlog.Logger) *QueueBuilder {
	qb.logger = l
	return qb
}

func (qb *QueueBuilder) WithClock(c xclock.Clock) *QueueBuilder {
	qb.clock = c
	return qb
}

func (qb *QueueBuilder) Build() (*Queue, error) {
	if err := qb.cfg.Validate(); err != nil {
		return nil, err
	}

	var tr Transport
	var err error
	switch {
	case qb.transportInst != nil:
		tr = qb.transportInst
	case qb.transportName != "":
		tr, err = NewTransport(qb.transportName, qb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	var st Store
	switch {
	case qb.storeInst != nil:
		st = qb.storeInst
	case qb.storeName != "":
		st, err = NewStore(qb.storeName, qb.storeCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoStoreConfigured
	}

	var cd Codec
	if qb.codecInst != nil {
		cd = qb.codecInst
	} else {
		cd, err = NewCodec(qb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := qb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := qb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	q := newQueue(qb.cfg, tr, st, cd, clk, lg, qb.middlewares)

	// Attach logging observer first unless one was supplied externally.
	hasLoggingObserver := false
	for _, o := range qb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		q.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range qb.observers {
		q.AddObserver(o)
	}

	return q, nil
}

// New builds a Queue via the Builder and returns a close func for convenience.
// The caller still calls Initialize.
func New(init func(b *QueueBuilder)) (*Queue, func() error, error) {
	b := NewQueueBuilder()
	if init != nil {
		init(b)
	}
	q, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return q.Close(context.Background()) }
	return q, closeFn, nil
}
