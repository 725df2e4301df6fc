package port

import (
	"context"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
)

type Tagger interface {
	Tag(ctx context.Context, path string, meta domain.Metadata) error
}

// Library decides where a finished file belongs and puts it there.
type Library interface {
	Destination(job *domain.Job, sourcePath string) (string, error)
	Move(ctx context.Context, src, dst string) error
}
