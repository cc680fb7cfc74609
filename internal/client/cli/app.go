package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/fragnet/internal/catalog"
	"github.com/dmitrijs2005/fragnet/internal/client/client"
	"github.com/dmitrijs2005/fragnet/internal/client/config"
	"github.com/dmitrijs2005/fragnet/internal/logging"
	"github.com/dmitrijs2005/fragnet/internal/storage"
	"github.com/dmitrijs2005/fragnet/internal/storage/s3store"
	"github.com/dmitrijs2005/fragnet/internal/subscriber"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type App struct {
	config *config.Config
	logger logging.Logger
	client client.Client
	store  storage.Store
	repo   catalog.Repository
	out    io.Writer

	// peer options shared by every session
	peerOpts []subscriber.Option

	mu   sync.Mutex
	peer *subscriber.Subscriber
	Mode Mode
}

func NewApp(c *config.Config, l logging.Logger) (*App, error) {

	ctx := context.Background()

	store, err := openStore(ctx, c, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	repo, err := catalog.Open(ctx, c.CatalogDriver, c.CatalogDSN)
	if err != nil {
		return nil, fmt.Errorf("catalog init error: %w", err)
	}

	apiClient, err := client.NewGRPCClient(c.TrackerAddr, l)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	return newApp(c, l, apiClient, store, repo), nil
}

func newApp(c *config.Config, l logging.Logger, cl client.Client, store storage.Store, repo catalog.Repository, opts ...subscriber.Option) *App {
	if c.ClientID == "" {
		// keeps the identity stable across sessions
		c.ClientID = uuid.NewString()
	}
	return &App{
		config:   c,
		logger:   l.With("module", "peer_app"),
		client:   cl,
		store:    store,
		repo:     repo,
		out:      os.Stdout,
		peerOpts: opts,
		Mode:     ModeOffline,
	}
}

// openStore builds the fragment store selected by c.StorageDriver. An S3
// password missing from the configuration is read from the terminal.
func openStore(ctx context.Context, c *config.Config, w io.Writer) (storage.Store, error) {
	switch c.StorageDriver {
	case "", config.StorageMemory:
		return storage.NewMemoryStore(c.StorageCapacity), nil

	case config.StorageDisk:
		return storage.OpenDiskStore(c.StorageDir, c.StorageCapacity)

	case config.StorageS3:
		password := c.S3Password
		if password == "" && c.S3User != "" {
			pw, err := GetPassword("S3 password for "+c.S3User, w)
			if err != nil {
				return nil, err
			}
			password = string(pw)
			clear(pw)
		}
		return s3store.Open(ctx, s3store.Config{
			Bucket:       c.S3Bucket,
			Prefix:       "fragments/",
			Region:       c.S3Region,
			User:         c.S3User,
			Password:     password,
			BaseEndpoint: c.S3Endpoint,
			Capacity:     c.StorageCapacity,
		})
	}

	return nil, fmt.Errorf("unknown storage driver %q", c.StorageDriver)
}

func (a *App) setMode(mode Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Mode != mode {
		a.Mode = mode
		a.logger.Info(context.Background(), "switched mode", "mode", mode)
	}
}

func (a *App) getStatus() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fmt.Sprintf("(%s %s)", a.config.ClientID, a.Mode)
}

// current returns the peer of the running session, nil between sessions.
func (a *App) current() (*subscriber.Subscriber, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.peer == nil {
		return nil, errors.New("not connected to the tracker")
	}
	return a.peer, nil
}

func (a *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run keeps the peer joined and runs the REPL on in until the user exits, a
// signal arrives or the tracker denies the join.
func (a *App) Run(ctx context.Context, in io.Reader) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	a.initSignalHandler(cancelFunc)

	printlnFn("Welcome to fragnet peer (type 'help' for commands)")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.keepJoined(gctx) })

	// the REPL blocks on input, so it stays outside the group
	go func() {
		runREPL(gctx, a, a.getStatus, bufio.NewReader(in))
		cancelFunc()
	}()

	err := g.Wait()

	return errors.Join(err, a.Close())
}

// Close leaves the network and releases the catalog and the connection.
func (a *App) Close() error {
	a.mu.Lock()
	peer := a.peer
	a.peer = nil
	a.mu.Unlock()

	var errs []error
	if peer != nil {
		errs = append(errs, peer.Close())
	}
	errs = append(errs, a.repo.Close(), a.client.Close())
	return errors.Join(errs...)
}
