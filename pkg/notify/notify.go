package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/powerdaemon/powerdaemon/pkg/cache"
	"github.com/powerdaemon/powerdaemon/pkg/config"
	"github.com/powerdaemon/powerdaemon/pkg/log"
	"github.com/powerdaemon/powerdaemon/pkg/metrics"
	"github.com/powerdaemon/powerdaemon/pkg/storage"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// Handler delivers one alert to one channel type.
type Handler interface {
	Type() types.ChannelType
	Send(ctx context.Context, channel *types.NotificationChannel, alert *types.Alert) error
}

// DeliveryLog records the outcome of every send attempt on the alert.
// The alert lifecycle implements it; a nil log is skipped.
type DeliveryLog interface {
	RecordNotification(ctx context.Context, alertID, channel string, success bool, errMsg string) error
}

// sendTimeout bounds one delivery attempt.
const sendTimeout = 30 * time.Second

// Dispatcher fans an alert out to its notification channels. Channels
// that fail get a retry entry; channels that keep failing trip a
// per-channel circuit breaker so one dead endpoint cannot slow the rest.
type Dispatcher struct {
	store    storage.Store
	cache    cache.Cache
	dlog     DeliveryLog
	cfg      config.NotificationsConfig
	logger   zerolog.Logger
	handlers map[types.ChannelType]Handler

	// sem bounds concurrent deliveries across all channels.
	sem chan struct{}

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewDispatcher wires the dispatcher over the channel store and the
// given handlers. dlog may be nil.
func NewDispatcher(store storage.Store, c cache.Cache, dlog DeliveryLog, cfg config.NotificationsConfig, handlers ...Handler) *Dispatcher {
	concurrency := cfg.BatchConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	d := &Dispatcher{
		store:    store,
		cache:    c,
		dlog:     dlog,
		cfg:      cfg,
		logger:   log.WithComponent("notify"),
		handlers: make(map[types.ChannelType]Handler, len(handlers)),
		sem:      make(chan struct{}, concurrency),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, h := range handlers {
		d.handlers[h.Type()] = h
	}
	return d
}

// Dispatch sends the alert to the named channels, or to every enabled
// channel when names is empty. Deliveries run concurrently up to the
// configured bound; Dispatch returns once all of them finished.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *types.Alert, names []string) {
	channels, err := d.resolve(names)
	if err != nil {
		d.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("channel resolution failed")
		return
	}

	var wg sync.WaitGroup
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		if ch.MinSeverity != "" && !alert.Severity.AtLeast(ch.MinSeverity) {
			continue
		}
		wg.Add(1)
		go func(ch *types.NotificationChannel) {
			defer wg.Done()
			select {
			case d.sem <- struct{}{}:
				defer func() { <-d.sem }()
			case <-ctx.Done():
				return
			}
			if err := d.deliver(ctx, ch, alert); err != nil {
				d.logger.Warn().Err(err).Str("channel", ch.Name).Str("alert_id", alert.ID).
					Msg("notification delivery failed, queued for retry")
				d.enqueueRetry(ctx, ch.ID, alert, 1)
			}
		}(ch)
	}
	wg.Wait()
}

// resolve maps channel names to stored channels. Unknown names are
// skipped with a warning so one stale rule reference cannot mute the
// rest of the fan-out.
func (d *Dispatcher) resolve(names []string) ([]*types.NotificationChannel, error) {
	if len(names) == 0 {
		return d.store.ListChannels()
	}
	out := make([]*types.NotificationChannel, 0, len(names))
	for _, name := range names {
		ch, err := d.store.GetChannelByName(name)
		if err != nil {
			d.logger.Warn().Err(err).Str("channel", name).Msg("unknown notification channel")
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

// deliver runs one send through the channel's circuit breaker and
// records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, ch *types.NotificationChannel, alert *types.Alert) error {
	handler, ok := d.handlers[ch.Type]
	if !ok {
		d.logger.Error().Str("channel", ch.Name).Str("type", string(ch.Type)).Msg("no handler for channel type")
		return nil
	}

	_, err := d.breaker(ch.ID, ch.Name).Execute(func() (any, error) {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		return nil, handler.Send(sendCtx, ch, alert)
	})

	outcome := "success"
	errMsg := ""
	if err != nil {
		outcome = "failure"
		errMsg = err.Error()
	}
	metrics.NotificationsSent.WithLabelValues(string(ch.Type), outcome).Inc()
	if d.dlog != nil {
		if logErr := d.dlog.RecordNotification(ctx, alert.ID, ch.Name, err == nil, errMsg); logErr != nil {
			d.logger.Warn().Err(logErr).Str("alert_id", alert.ID).Msg("notification log write failed")
		}
	}
	return err
}

func (d *Dispatcher) breaker(id, name string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[id]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
		d.breakers[id] = cb
	}
	return cb
}

// retryItem is one queued redelivery.
type retryItem struct {
	ChannelID string      `json:"channel_id"`
	Alert     types.Alert `json:"alert"`
	Attempts  int         `json:"attempts"`
}

func (d *Dispatcher) enqueueRetry(ctx context.Context, channelID string, alert *types.Alert, attempts int) {
	item := retryItem{ChannelID: channelID, Alert: *alert, Attempts: attempts}
	data, err := json.Marshal(item)
	if err != nil {
		return
	}
	if err := d.cache.RPush(ctx, cache.KeyNotifyRetry, string(data)); err != nil {
		d.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("retry enqueue failed")
	}
}

// RetryPass drains the retry queue once, redelivering each item.
// Deliveries that fail again go back on the queue until the attempt
// budget is spent. Only items queued before the pass started are popped,
// so a re-queued failure waits for the next interval instead of burning
// another attempt in the same pass. It returns how many items it
// processed.
func (d *Dispatcher) RetryPass(ctx context.Context) (int, error) {
	pending, err := d.cache.LLen(ctx, cache.KeyNotifyRetry)
	if err != nil {
		return 0, err
	}
	processed := 0
	for ; pending > 0; pending-- {
		raw, ok, err := d.cache.LPop(ctx, cache.KeyNotifyRetry)
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		processed++

		var item retryItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			d.logger.Warn().Err(err).Msg("dropping undecodable retry item")
			continue
		}
		ch, err := d.store.GetChannel(item.ChannelID)
		if err != nil {
			d.logger.Warn().Err(err).Str("channel_id", item.ChannelID).Msg("dropping retry for missing channel")
			continue
		}
		if err := d.deliver(ctx, ch, &item.Alert); err != nil {
			if item.Attempts+1 >= d.cfg.MaxAttempts {
				d.logger.Error().Str("channel", ch.Name).Str("alert_id", item.Alert.ID).
					Int("attempts", item.Attempts+1).Msg("notification abandoned after retry budget")
				continue
			}
			d.enqueueRetry(ctx, item.ChannelID, &item.Alert, item.Attempts+1)
		}
	}
	return processed, nil
}

// RunRetries redelivers queued notifications on the configured interval
// until the context ends.
func (d *Dispatcher) RunRetries(ctx context.Context) error {
	interval := d.cfg.RetryInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.RetryPass(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error().Err(err).Msg("retry pass failed")
			}
		}
	}
}
