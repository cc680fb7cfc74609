package client

import (
	"context"

	"github.com/dmitrijs2005/fragnet/internal/bus"
	"github.com/dmitrijs2005/fragnet/internal/models"
	"github.com/dmitrijs2005/fragnet/internal/trackerapi"
)

type Client interface {
	Close() error
	// Bus is the tracker's bus, reached over the same connection.
	Bus() bus.Bus
	Ping(ctx context.Context) error
	Distribute(ctx context.Context, hash string, data []byte) ([]string, error)
	PublishFile(ctx context.Context, file models.FragmentedFile) error
	Status(ctx context.Context) (*trackerapi.StatusResponse, error)
}
