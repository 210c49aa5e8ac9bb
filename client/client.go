// Package client provides the icp client that uploads locally buffered files to an
// icp server over resumable, chunked HTTP requests.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/mieweb/indexedcp/buffer"
	"github.com/mieweb/indexedcp/config"
	"github.com/mieweb/indexedcp/server"
	"github.com/mieweb/indexedcp/util"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Client represents an icp client. It can be used to communicate with the server to
// verify the API key, and ultimately to upload buffered files.
type Client struct {
	config     *config.Config
	httpClient *http.Client // Allow injecting HTTP client for testing
}

// NewClient creates a new icp client. It fails if the ServerAddr is not filled.
func NewClient(conf *config.Config) (*Client, error) {
	if conf.ServerAddr == "" {
		return nil, errMissingServerAddr
	}
	return &Client{
		config: conf,
	}, nil
}

// ServerInfo queries the server for information about itself, in particular whether
// it is protected with an API key. The info endpoint is the only unauthenticated one.
func (c *Client) ServerInfo() (*server.Info, error) {
	url := fmt.Sprintf("%s/v1/info", config.ExpandServerAddr(c.config.ServerAddr))
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &server.ErrHTTP{Code: resp.StatusCode, Status: resp.Status}
	}

	var info server.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Verify verifies that the configured API key is in fact correct by calling the
// server's verify endpoint. If the call fails, the key is assumed to be incorrect.
func (c *Client) Verify() error {
	url := fmt.Sprintf("%s/v1/verify", config.ExpandServerAddr(c.config.ServerAddr))
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.addAuthHeader(req)

	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return server.ErrHTTPUnauthorized
	} else if resp.StatusCode != http.StatusOK {
		return &server.ErrHTTP{Code: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

// UploadBufferedFiles uploads all pending files from the given buffer store and returns
// a map of local paths to the server-side destination names. Files are uploaded with the
// configured concurrency. A failed file is marked failed in the buffer and does not stop
// the other uploads; the per-file errors are joined and returned after all uploads have
// finished. A rejected API key is the exception: it would fail every remaining file the
// same way, so it aborts the whole run.
func (c *Client) UploadBufferedFiles(ctx context.Context, store *buffer.Store) (map[string]string, error) {
	files, err := store.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var failures []error
	results := make(map[string]string, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.UploadConcurrency)
	for _, entry := range files {
		entry := entry
		g.Go(func() error {
			destName, err := c.uploadBuffered(ctx, store, entry)
			if errors.Is(err, server.ErrHTTPUnauthorized) || errors.Is(err, context.Canceled) {
				return err
			} else if err != nil {
				if merr := store.MarkFailed(ctx, entry.ID, err.Error()); merr != nil {
					log.Printf("cannot mark %s failed: %s", entry.Path, merr.Error())
				}
				mu.Lock()
				failures = append(failures, fmt.Errorf("%s: %w", entry.Path, err))
				mu.Unlock()
				return nil
			}
			mu.Lock()
			results[entry.Path] = destName
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, errors.Join(failures...)
}

// uploadBuffered uploads a single buffer entry from its staged copy. If the server
// rejects the assembled content as not matching the declared fingerprint, the upload
// is restarted from scratch exactly once.
func (c *Client) uploadBuffered(ctx context.Context, store *buffer.Store, entry *buffer.File) (string, error) {
	if err := store.MarkUploading(ctx, entry.ID); err != nil {
		return "", err
	}
	f, err := store.OpenStaged(entry.ID)
	if err != nil {
		return "", err
	}
	defer f.Close()

	progress := func(sent int64) {
		if err := store.MarkProgress(ctx, entry.ID, sent); err != nil {
			log.Printf("cannot persist progress for %s: %s", entry.Path, err.Error())
		}
	}
	destName, err := c.uploadFile(ctx, f, entry.Size, entry.Fingerprint, entry.Name, progress)
	if errors.Is(err, server.ErrHTTPUnprocessableEntity) {
		log.Printf("%s: server discarded mismatching content, restarting upload", entry.Path)
		if err := store.Reset(ctx, entry.ID); err != nil {
			return "", err
		}
		if err := store.MarkUploading(ctx, entry.ID); err != nil {
			return "", err
		}
		destName, err = c.uploadFile(ctx, f, entry.Size, entry.Fingerprint, entry.Name, progress)
	}
	if err != nil {
		return "", err
	}
	if err := store.MarkCompleted(ctx, entry.ID, destName); err != nil {
		return "", err
	}
	return destName, nil
}

// uploadFile opens (or resumes) a session for the given content and streams it to the
// server in chunks, starting at the offset the server reports. It returns the
// server-side destination name once the session is complete.
func (c *Client) uploadFile(ctx context.Context, f *os.File, size int64, fingerprint string, name string, progress func(sent int64)) (string, error) {
	status, err := c.openSession(ctx, fingerprint, size, name)
	if err != nil {
		return "", err
	}
	if status.Complete {
		if progress != nil {
			progress(size)
		}
		return status.DestinationName, nil
	}

	id := status.SessionID
	offset := status.BytesReceived
	reader, progressReader, err := c.chunkSource(f, offset, size)
	if err != nil {
		return "", err
	}

	buf := make([]byte, c.config.ChunkSize)
	for offset < size {
		n, err := io.ReadFull(reader, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return "", err
		}
		status, err = c.sendChunk(ctx, id, offset, buf[:n])
		var conflict *errOffsetConflict
		if errors.As(err, &conflict) {
			// A retried request may have landed after all; re-seek to the server's
			// offset and continue from there instead of failing the file
			offset = conflict.serverOffset
			reader, progressReader, err = c.chunkSource(f, offset, size)
			if err != nil {
				return "", err
			}
			continue
		} else if err != nil {
			return "", err
		}
		offset = status.BytesReceived
		if progress != nil {
			progress(offset)
		}
	}
	if progressReader != nil {
		progressReader.Done()
	}

	// Zero-length files never see a chunk, and a lost final response can leave the
	// session complete on the server but not acknowledged here. Finalize settles both.
	if status == nil || !status.Complete {
		status, err = c.finalizeSession(ctx, id)
		if err != nil {
			return "", err
		}
	}
	return status.DestinationName, nil
}

// chunkSource positions the staged file at the given offset and wraps it in a progress
// reader if a ProgressFunc is configured.
func (c *Client) chunkSource(f *os.File, offset int64, size int64) (io.Reader, *util.ProgressReader, error) {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, nil, err
	}
	if c.config.ProgressFunc != nil {
		progressReader := util.NewProgressReader(f, size-offset, c.config.ProgressFunc)
		return progressReader, progressReader, nil
	}
	return f, nil, nil
}

func (c *Client) openSession(ctx context.Context, fingerprint string, size int64, name string) (*server.SessionResponse, error) {
	body, err := json.Marshal(&server.SessionOpenRequest{
		Fingerprint: fingerprint,
		Size:        size,
		Name:        name,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/sessions", config.ExpandServerAddr(c.config.ServerAddr))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addAuthHeader(req)
	return c.doSessionRequest(req)
}

// sendChunk sends a single chunk, retrying transient failures with exponential
// backoff. Permanent rejections (bad key, unknown session, offset conflict) are
// returned immediately.
func (c *Client) sendChunk(ctx context.Context, id string, offset int64, chunk []byte) (*server.SessionResponse, error) {
	var status *server.SessionResponse
	backoff := retry.WithMaxRetries(uint64(c.config.ChunkRetries), retry.NewExponential(c.config.RetryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		url := fmt.Sprintf("%s/v1/sessions/%s", config.ExpandServerAddr(c.config.ServerAddr), id)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(chunk))
		if err != nil {
			return err
		}
		req.Header.Set(server.HeaderOffset, strconv.FormatInt(offset, 10))
		c.addAuthHeader(req)
		status, err = c.doSessionRequest(req)
		if err != nil && isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (c *Client) finalizeSession(ctx context.Context, id string) (*server.SessionResponse, error) {
	url := fmt.Sprintf("%s/v1/sessions/%s/finalize", config.ExpandServerAddr(c.config.ServerAddr), id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	c.addAuthHeader(req)
	return c.doSessionRequest(req)
}

// doSessionRequest executes a session request and maps the well-known response codes
// to their errors. On an offset conflict, the server's current offset is carried in
// the returned error so the caller can re-seek without another round trip.
func (c *Client) doSessionRequest(req *http.Request) (*server.SessionResponse, error) {
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var status server.SessionResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return nil, err
		}
		return &status, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, server.ErrHTTPUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil, server.ErrHTTPNotFound
	case resp.StatusCode == http.StatusConflict:
		serverOffset, err := strconv.ParseInt(resp.Header.Get(server.HeaderOffset), 10, 64)
		if err != nil {
			return nil, server.ErrHTTPConflict
		}
		return nil, &errOffsetConflict{serverOffset: serverOffset}
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, server.ErrHTTPUnprocessableEntity
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return nil, server.ErrHTTPPayloadTooLarge
	default:
		return nil, &server.ErrHTTP{Code: resp.StatusCode, Status: resp.Status}
	}
}

func (c *Client) addAuthHeader(req *http.Request) {
	if c.config.APIKey == "" {
		return // No auth configured
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
}

func (c *Client) client() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return http.DefaultClient
}

// isTransient reports whether a chunk request failure is worth retrying. Network
// errors and server-side failures are; explicit rejections are not.
func isTransient(err error) bool {
	var httpErr *server.ErrHTTP
	if errors.As(err, &httpErr) {
		return httpErr.Code == http.StatusTooManyRequests || httpErr.Code >= 500
	}
	var conflict *errOffsetConflict
	if errors.As(err, &conflict) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// errOffsetConflict is returned when the server rejects a chunk's offset; it carries
// the offset the server expects next.
type errOffsetConflict struct {
	serverOffset int64
}

func (e *errOffsetConflict) Error() string {
	return fmt.Sprintf("chunk offset rejected, server expects offset %d", e.serverOffset)
}

var errMissingServerAddr = errors.New("server address missing")
