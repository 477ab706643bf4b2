package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/facescan/internal/logging"
)

// Options wires the backends of a Service.
type Options struct {
	Cascade  DetectorFactory
	Landmark DetectorFactory
	Remote   RemoteOptions
	Logger   *logging.Logger
}

// Service owns one engine per kind for a scan session: one lane and one
// detector per blocking kind plus the remote client.
type Service struct {
	blocking map[Kind]*blockingEngine
	remote   *remoteEngine

	closeOnce sync.Once
}

// errNoFactory is reported per item when a blocking kind has no factory.
var errNoFactory = errors.New("no detector configured")

// NewService builds the engines. Detectors are not constructed until the
// first item reaches their lane.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	factories := map[Kind]DetectorFactory{
		KindCascade:  opts.Cascade,
		KindLandmark: opts.Landmark,
	}
	s := &Service{blocking: make(map[Kind]*blockingEngine, len(factories))}
	for kind, factory := range factories {
		if factory == nil {
			factory = func() (Detector, error) { return nil, errNoFactory }
		}
		s.blocking[kind] = newBlockingEngine(kind, factory, logger)
	}
	s.remote = newRemoteEngine(opts.Remote, logger)
	return s
}

// Engine returns the engine for kind.
func (s *Service) Engine(kind Kind) (Engine, error) {
	if kind == KindRemote {
		return s.remote, nil
	}
	if e, ok := s.blocking[kind]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("unknown engine %s", kind)
}

// Close stops the blocking lanes and shuts their detectors down. Pending
// Detect calls on a closed lane report ErrBackendUnavailable.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		var wg sync.WaitGroup
		for _, e := range s.blocking {
			wg.Add(1)
			go func(e *blockingEngine) {
				defer wg.Done()
				e.close()
			}(e)
		}
		wg.Wait()
	})
}
