package registry

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

var changesCursorKey = "lodestone/seq"

// ChangeEvent is one logical package mutation from the continuous changes
// feed, ordered by Seq within a single stream connection. Ephemeral; the
// handler is expected to convert it into a durable sync job immediately.
type ChangeEvent struct {
	Seq     string
	ID      string
	Deleted bool
}

type ChangeHandler func(ctx context.Context, evt *ChangeEvent) error

// ChangeStreamConsumer tails the registry's continuous changes feed over one
// long-lived streaming HTTP connection and hands each valid record to the
// handler.
//
// The consumer does not retry internally: on stream termination Run returns
// an error and the process supervisor is expected to reconnect from the
// last-seen sequence token. It must not run concurrently more than once
// against the same cursor.
type ChangeStreamConsumer struct {
	Host        string
	Logger      *slog.Logger
	RedisClient *redis.Client
	Handler     ChangeHandler
	HTTP        *http.Client

	// FlushThreshold is how many consumed changes to buffer before emitting a
	// progress log line. Purely amortizes logging; it is not a commit
	// boundary. Defaults to 100.
	FlushThreshold int

	// lastSeq is the most recent sequence token we've received and begun to
	// handle. Periodically persisted to redis, if redis is present.
	lastSeqLk sync.Mutex
	lastSeq   string
}

type changeLine struct {
	Seq     json.RawMessage `json:"seq"`
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted"`
}

// Run opens the stream at the given cursor ("now" live-tails) and consumes it
// until the context is cancelled or the connection terminates.
func (c *ChangeStreamConsumer) Run(ctx context.Context, since string) error {
	if c.Handler == nil {
		return fmt.Errorf("nil change handler")
	}
	if since == "" {
		since = "now"
	}
	flushThreshold := c.FlushThreshold
	if flushThreshold <= 0 {
		flushThreshold = 100
	}

	u := fmt.Sprintf("%s/_changes?since=%s&feed=continuous&include_docs=false&heartbeat=30000", c.Host, since)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", fmt.Sprintf("lodestone/%s", versioninfo.Short()))

	httpClient := c.HTTP
	if httpClient == nil {
		// no Timeout: the stream stays open indefinitely
		httpClient = &http.Client{}
	}

	c.Logger.Info("subscribing to registry change feed", "upstream", c.Host, "cursor", since)
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("change feed dial failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("change feed dial failed: %s", resp.Status)
	}

	// the scanner buffers partial lines split across network reads, flushing
	// only complete lines to the parser
	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	buffered := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			// heartbeat
			continue
		}

		evt, ok := c.parseLine(line)
		if !ok {
			continue
		}

		changesReceived.Inc()

		if err := c.Handler(ctx, evt); err != nil {
			return fmt.Errorf("change handler failed: %w", err)
		}
		// only advance the cursor once the change is durably handed off, so a
		// reconnect replays anything the handler failed on
		c.setLastSeq(evt.Seq)

		buffered++
		if buffered >= flushThreshold {
			c.Logger.Info("consumed changes", "count", buffered, "seq", evt.Seq)
			buffered = 0
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("change feed read failed: %w", err)
	}
	return fmt.Errorf("change feed closed by server (last seq %s)", c.LastSeq())
}

// parseLine decodes one feed line. Unparseable lines and records missing
// id/seq are assumed to be heartbeats and dropped; design-document ids are
// dropped before transformation.
func (c *ChangeStreamConsumer) parseLine(line []byte) (*ChangeEvent, bool) {
	var rec changeLine
	if err := json.Unmarshal(line, &rec); err != nil {
		changesSkipped.WithLabelValues("malformed").Inc()
		return nil, false
	}
	if rec.ID == "" || len(rec.Seq) == 0 {
		changesSkipped.WithLabelValues("heartbeat").Inc()
		return nil, false
	}
	if strings.HasPrefix(rec.ID, "_design/") {
		changesSkipped.WithLabelValues("design_doc").Inc()
		return nil, false
	}

	seq := string(rec.Seq)
	if unquoted, err := strconv.Unquote(seq); err == nil {
		seq = unquoted
	}
	return &ChangeEvent{Seq: seq, ID: rec.ID, Deleted: rec.Deleted}, true
}

func (c *ChangeStreamConsumer) setLastSeq(seq string) {
	c.lastSeqLk.Lock()
	c.lastSeq = seq
	c.lastSeqLk.Unlock()
	if n, err := strconv.ParseFloat(seq, 64); err == nil {
		currentSeq.Set(n)
	}
}

func (c *ChangeStreamConsumer) LastSeq() string {
	c.lastSeqLk.Lock()
	defer c.lastSeqLk.Unlock()
	return c.lastSeq
}

// ReadLastCursor loads the persisted resume cursor, or "now" when absent.
func (c *ChangeStreamConsumer) ReadLastCursor(ctx context.Context) (string, error) {
	// if redis isn't configured, just skip
	if c.RedisClient == nil {
		c.Logger.Info("redis not configured, skipping cursor read")
		return "now", nil
	}

	val, err := c.RedisClient.Get(ctx, changesCursorKey).Result()
	if err == redis.Nil {
		c.Logger.Info("no pre-existing cursor in redis")
		return "now", nil
	} else if err != nil {
		return "", err
	}
	c.Logger.Info("successfully found prior change feed cursor in redis", "seq", val)
	return val, nil
}

func (c *ChangeStreamConsumer) PersistCursor(ctx context.Context) error {
	// if redis isn't configured, just skip
	if c.RedisClient == nil {
		return nil
	}
	lastSeq := c.LastSeq()
	if lastSeq == "" {
		return nil
	}
	return c.RedisClient.Set(ctx, changesCursorKey, lastSeq, 14*24*time.Hour).Err()
}

// RunPersistCursor runs in a loop, persisting the current cursor state every
// 5 seconds, and once more at shutdown.
func (c *ChangeStreamConsumer) RunPersistCursor(ctx context.Context) error {
	// if redis isn't configured, just skip
	if c.RedisClient == nil {
		return nil
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if lastSeq := c.LastSeq(); lastSeq != "" {
				c.Logger.Info("persisting final cursor seq value", "seq", lastSeq)
				if err := c.PersistCursor(context.Background()); err != nil {
					c.Logger.Error("failed to persist cursor", "err", err, "seq", lastSeq)
				}
			}
			return nil
		case <-ticker.C:
			if lastSeq := c.LastSeq(); lastSeq != "" {
				if err := c.PersistCursor(ctx); err != nil {
					c.Logger.Error("failed to persist cursor", "err", err, "seq", lastSeq)
				}
			}
		}
	}
}
