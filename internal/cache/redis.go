package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
}

// RedisBackend speaks RESP over a fresh TCP connection per call. Entries are
// JSON strings with a PX expiry; each tag is a set of keys and each key keeps
// a set of its own tags so a rewrite can unhook stale tag memberships.
type RedisBackend struct {
	cfg RedisConfig
}

func NewRedisBackend(cfg RedisConfig) *RedisBackend {
	if cfg.Prefix == "" {
		cfg.Prefix = "wfcore:cache"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &RedisBackend{cfg: cfg}
}

func (r *RedisBackend) entryKey(key string) string { return r.cfg.Prefix + ":entry:" + key }
func (r *RedisBackend) tagKey(tag string) string   { return r.cfg.Prefix + ":tag:" + tag }
func (r *RedisBackend) tagsOf(key string) string   { return r.cfg.Prefix + ":tags:" + key }

func (r *RedisBackend) Get(ctx context.Context, key string) (Entry, bool, error) {
	conn, rw, err := r.connect(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	defer conn.Close()
	resp, err := r.do(rw, "GET", r.entryKey(key))
	if err != nil {
		return Entry{}, false, err
	}
	if resp == nil {
		return Entry{}, false, nil
	}
	raw, ok := resp.(string)
	if !ok {
		return Entry{}, false, errors.New("unexpected redis response type")
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return e, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, e Entry, ttl time.Duration) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	conn, rw, err := r.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := r.unhookTags(rw, e.Key); err != nil {
		return err
	}
	args := []string{"SET", r.entryKey(e.Key), string(payload)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	if _, err := r.do(rw, args...); err != nil {
		return err
	}
	if len(e.Tags) == 0 {
		return nil
	}
	if _, err := r.do(rw, append([]string{"SADD", r.tagsOf(e.Key)}, e.Tags...)...); err != nil {
		return err
	}
	for _, t := range e.Tags {
		if _, err := r.do(rw, "SADD", r.tagKey(t), e.Key); err != nil {
			return err
		}
	}
	if ttl > 0 {
		if _, err := r.do(rw, "PEXPIRE", r.tagsOf(e.Key), strconv.FormatInt(ttl.Milliseconds(), 10)); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	conn, rw, err := r.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := r.unhookTags(rw, key); err != nil {
		return err
	}
	_, err = r.do(rw, "DEL", r.entryKey(key))
	return err
}

// DeleteByTag counts only keys whose entry still existed; members left behind
// by expired entries are dropped silently.
func (r *RedisBackend) DeleteByTag(ctx context.Context, tag string) (int, error) {
	conn, rw, err := r.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	resp, err := r.do(rw, "SMEMBERS", r.tagKey(tag))
	if err != nil {
		return 0, err
	}
	keys, err := toStringArray(resp)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		member, err := r.do(rw, "SISMEMBER", r.tagsOf(key), tag)
		if err != nil {
			return removed, err
		}
		if n, _ := atoiRESP(member); n == 0 {
			continue
		}
		if err := r.unhookTags(rw, key); err != nil {
			return removed, err
		}
		del, err := r.do(rw, "DEL", r.entryKey(key))
		if err != nil {
			return removed, err
		}
		n, err := atoiRESP(del)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	if _, err := r.do(rw, "DEL", r.tagKey(tag)); err != nil {
		return removed, err
	}
	return removed, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	conn, rw, err := r.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = r.do(rw, "PING")
	return err
}

func (r *RedisBackend) unhookTags(rw *bufio.ReadWriter, key string) error {
	resp, err := r.do(rw, "SMEMBERS", r.tagsOf(key))
	if err != nil {
		return err
	}
	old, err := toStringArray(resp)
	if err != nil {
		return err
	}
	for _, t := range old {
		if _, err := r.do(rw, "SREM", r.tagKey(t), key); err != nil {
			return err
		}
	}
	_, err = r.do(rw, "DEL", r.tagsOf(key))
	return err
}

func (r *RedisBackend) do(rw *bufio.ReadWriter, parts ...string) (any, error) {
	if err := writeRESP(rw, parts...); err != nil {
		return nil, err
	}
	return readRESP(rw)
}

func (r *RedisBackend) connect(ctx context.Context) (net.Conn, *bufio.ReadWriter, error) {
	dialer := net.Dialer{Timeout: r.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.cfg.Addr)
	if err != nil {
		return nil, nil, err
	}
	deadline := time.Now().Add(r.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if r.cfg.Password != "" {
		if _, err := r.do(rw, "AUTH", r.cfg.Password); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	if r.cfg.DB > 0 {
		if _, err := r.do(rw, "SELECT", strconv.Itoa(r.cfg.DB)); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	return conn, rw, nil
}

func writeRESP(rw *bufio.ReadWriter, parts ...string) error {
	if _, err := fmt.Fprintf(rw, "*%d\r\n", len(parts)); err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := fmt.Fprintf(rw, "$%d\r\n%s\r\n", len(p), p); err != nil {
			return err
		}
	}
	return rw.Flush()
}

func readRESP(rw *bufio.ReadWriter) (any, error) {
	prefix, err := rw.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := rw.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

	switch prefix {
	case '+', ':':
		return line, nil
	case '-':
		return nil, fmt.Errorf("redis error: %s", line)
	case '$':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(rw, buf); err != nil {
			return nil, err
		}
		return string(buf[:n]), nil
	case '*':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		arr := make([]string, 0, n)
		for i := 0; i < n; i++ {
			v, err := readRESP(rw)
			if err != nil {
				return nil, err
			}
			if v == nil {
				arr = append(arr, "")
				continue
			}
			s, ok := v.(string)
			if !ok {
				return nil, errors.New("unexpected redis array element")
			}
			arr = append(arr, s)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unsupported redis response prefix %q", prefix)
	}
}

func toStringArray(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]string)
	if !ok {
		return nil, errors.New("unexpected redis array response type")
	}
	return arr, nil
}

func atoiRESP(v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, errors.New("unexpected redis integer response type")
	}
	return strconv.Atoi(s)
}
