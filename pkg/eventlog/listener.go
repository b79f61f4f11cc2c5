package eventlog

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Listener holds a dedicated connection on LISTEN and hands decoded
// execution ids to a callback. The engine uses it to wake its evaluation
// loop the moment a new event lands, instead of polling the log.
type Listener struct {
	dsn      string
	callback func(executionID int64)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewListener creates a listener; Start begins delivery.
func NewListener(dsn string, callback func(executionID int64)) *Listener {
	return &Listener{dsn: dsn, callback: callback}
}

// Start connects and begins delivering notifications until Stop or context
// cancellation. Connection loss triggers reconnect with backoff; missed
// notifications are harmless because the engine re-reads the log on wake.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()
}

// Stop terminates delivery and waits for the listen loop to exit.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *Listener) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.listen(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("Event listener connection lost, reconnecting", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}
	slog.Info("Event listener attached", "channel", NotifyChannel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		executionID, err := strconv.ParseInt(notification.Payload, 10, 64)
		if err != nil {
			slog.Warn("Ignoring malformed event notification", "payload", notification.Payload)
			continue
		}
		l.callback(executionID)
	}
}
