package port

import (
	"context"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
)

type Encoder interface {
	Start(ctx context.Context, req domain.EncodeRequest) (EncodeHandle, error)
}

// EncodeHandle is one running encode. Events yields progress events and
// then exactly one terminal event before it is closed. Cancel is safe to
// call any number of times.
type EncodeHandle interface {
	Events() <-chan domain.EncodeEvent
	Cancel()
	PID() int
}

type Prober interface {
	Probe(ctx context.Context, path string) (*domain.ProbeResult, error)
}
