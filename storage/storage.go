// Package storage handles persistence of per-channel raw text blobs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

const (
	keySuffix   = "_raw.txt"
	contentType = "text/plain; charset=utf-8"

	// maxMergeAttempts bounds how often a merge re-reads after losing a write race.
	maxMergeAttempts = 5
)

// ErrNotFound is returned when a channel has no stored text.
var ErrNotFound = errors.New("storage: object doesn't exist")

// errConflict marks a generation precondition failure.
var errConflict = errors.New("storage: concurrent update")

// Store reads and writes channel text in a Cloud Storage bucket or a local directory.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	prefix    string

	localMu sync.Mutex
}

// New creates a new storage handler. A non-empty localPath selects local filesystem mode.
func New(client *storage.Client, bucket, prefix, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		prefix:    prefix,
	}
}

// Key returns the object name for a channel alias.
func Key(alias string) string {
	return strings.ToUpper(strings.TrimSpace(alias)) + keySuffix
}

func (s *Store) objectName(alias string) string {
	return s.prefix + Key(alias)
}

// ReadChannelText returns the stored text for a channel, or "" if none exists.
func (s *Store) ReadChannelText(ctx context.Context, alias string) (string, error) {
	text, _, err := s.read(ctx, alias)
	if IsNotFound(err) {
		return "", nil
	}
	return text, err
}

// WriteChannelText replaces the stored text for a channel.
func (s *Store) WriteChannelText(ctx context.Context, alias, text string) error {
	if s.localPath != "" {
		s.localMu.Lock()
		defer s.localMu.Unlock()
	}
	if err := s.write(ctx, alias, text, -1); err != nil {
		return err
	}
	s.logger.Info("Channel text written", "key", s.objectName(alias), "bytes", len(text))
	return nil
}

// Merge prepends a block to the channel text.
// On Cloud Storage the write is conditioned on the generation that was read,
// and a lost race re-runs the read-modify-write.
func (s *Store) Merge(ctx context.Context, alias, block string) error {
	if s.localPath != "" {
		s.localMu.Lock()
		defer s.localMu.Unlock()
	}

	// pending holds the text of a write that reported a conflict. A retried
	// upload can fail its precondition against its own earlier commit, so
	// finding exactly that text on the next read means the merge landed.
	var pending string
	for attempt := 1; ; attempt++ {
		existing, gen, err := s.read(ctx, alias)
		if err != nil && !IsNotFound(err) {
			return fmt.Errorf("read before merge: %w", err)
		}
		if pending != "" && existing == pending {
			s.logger.Info("Channel text already holds merged block",
				"key", s.objectName(alias),
				"total_bytes", len(existing),
				"attempt", attempt)
			return nil
		}

		pending = block + existing
		err = s.write(ctx, alias, pending, gen)
		if err == nil {
			s.logger.Info("Channel text updated",
				"key", s.objectName(alias),
				"block_bytes", len(block),
				"total_bytes", len(block)+len(existing),
				"attempt", attempt)
			return nil
		}
		if !errors.Is(err, errConflict) || attempt >= maxMergeAttempts {
			return fmt.Errorf("merge: %w", err)
		}

		s.logger.Warn("Channel text changed during merge, retrying", "key", s.objectName(alias), "attempt", attempt)
	}
}

// List returns the aliases of all channels with stored text.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var aliases []string

	// Local filesystem storage. The prefix may name a subdirectory, a file
	// name prefix, or both.
	if s.localPath != "" {
		dir := filepath.Join(s.localPath, s.prefix)
		namePrefix := ""
		if s.prefix != "" && !strings.HasSuffix(s.prefix, "/") {
			dir, namePrefix = filepath.Split(dir)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasPrefix(name, namePrefix) || !strings.HasSuffix(name, keySuffix) {
				continue
			}
			aliases = append(aliases, strings.TrimSuffix(strings.TrimPrefix(name, namePrefix), keySuffix))
		}
		return aliases, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: s.prefix,
	})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		name := strings.TrimPrefix(attrs.Name, s.prefix)
		if strings.Contains(name, "/") || !strings.HasSuffix(name, keySuffix) {
			continue
		}
		aliases = append(aliases, strings.TrimSuffix(name, keySuffix))
	}

	return aliases, nil
}

// read returns the text and the object generation (0 when the object is absent).
func (s *Store) read(ctx context.Context, alias string) (string, int64, error) {
	key := s.objectName(alias)

	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return "", 0, ErrNotFound
			}
			return "", 0, fmt.Errorf("read from local storage: %w", err)
		}
		return string(data), 0, nil
	}

	// Cloud Storage with retry logic for reliability
	var (
		data []byte
		gen  int64
	)
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			gen = r.Attrs.Generation
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying read operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if IsNotFound(err) {
			return "", 0, ErrNotFound
		}
		return "", 0, fmt.Errorf("read after retries: %w", err)
	}

	return string(data), gen, nil
}

// write stores text. gen < 0 writes unconditionally, gen == 0 requires the
// object to be absent, gen > 0 requires that generation to still be current.
func (s *Store) write(ctx context.Context, alias, text string, gen int64) error {
	key := s.objectName(alias)

	// Local filesystem storage
	if s.localPath != "" {
		path := filepath.Join(s.localPath, key)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, []byte(text), 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("replace local file: %w", err)
		}
		return nil
	}

	obj := s.client.Bucket(s.bucket).Object(key)
	switch {
	case gen == 0:
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	case gen > 0:
		obj = obj.If(storage.Conditions{GenerationMatch: gen})
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			w := obj.NewWriter(ctx)
			w.ContentType = contentType
			if _, writeErr := io.WriteString(w, text); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPreconditionFailed(closeErr) {
					return retry.Unrecoverable(errConflict)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying write operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if errors.Is(err, errConflict) {
			return errConflict
		}
		return fmt.Errorf("write after retries: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

// IsNotFound checks if an error indicates a channel has no stored text.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
