// Package remote is a thin facade over the Dropbox SDK exposing the handful
// of operations the rest of the gateway needs: list_folder, list_continue,
// longpoll, download, temporary_link. Grounded on backend/dropbox/dropbox.go's
// use of github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files,
// including its shouldRetry error classification and its use of an
// unauthenticated files.Client for the longpoll call (longpoll doesn't take
// credentials).
package remote

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	dbx "github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/auth"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"

	"github.com/sujayakar/public-domain/internal/coreerr"
	"github.com/sujayakar/public-domain/internal/log"
)

var logger = log.For("remote")

// EntryKind tags the variant carried by an Entry.
type EntryKind int

// Entry kinds returned by the remote's change stream.
const (
	KindFile EntryKind = iota
	KindFolder
	KindDeleted
)

// Entry is the facade's normalized view of files.FileMetadata/FolderMetadata/DeletedMetadata.
type Entry struct {
	Kind           EntryKind
	PathDisplay    string
	Rev            string
	Size           uint64
	ServerModified time.Time
}

// ListResult is the normalized response of list_folder/list_continue.
type ListResult struct {
	Entries []Entry
	Cursor  string
	HasMore bool
}

// LongPollResult is the normalized response of longpoll.
type LongPollResult struct {
	Changes bool
	Backoff time.Duration
}

// Client wraps an authenticated and an unauthenticated Dropbox files.Client,
// the way backend/dropbox/dropbox.go keeps both f.srv (authenticated) and
// f.svc (unauthenticated, used only for the longpoll call).
type Client struct {
	srv files.Client
	svc files.Client
}

// New builds a Client from an access token.
func New(accessToken string) *Client {
	cfg := dbx.Config{
		Token:    accessToken,
		LogLevel: dbx.LogOff,
	}
	ucfg := dbx.Config{
		LogLevel: dbx.LogOff,
	}
	return &Client{
		srv: files.New(cfg),
		svc: files.New(ucfg),
	}
}

// withRetry retries transient errors with exponential backoff: base 1s, cap 60s.
// It retries indefinitely until ctx is done.
func withRetry(ctx context.Context, subject string, fn func() error) error {
	backoff := time.Second
	const cap = 60 * time.Second
	for {
		err := fn()
		if err == nil {
			return nil
		}
		re := classify(err)
		if !re.Retriable {
			return re
		}
		logger.Debugf(subject, "transient remote error, retrying in %v: %v", backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > cap {
			backoff = cap
		}
	}
}

// classify mirrors backend/dropbox/dropbox.go's shouldRetry: rate limits and
// generic "too many requests" errors are retriable, malformed-path and
// insufficient-space style errors are not.
func classify(err error) *coreerr.RemoteError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "insufficient_space") || strings.Contains(msg, "malformed_path") {
		return &coreerr.RemoteError{Err: err, Retriable: false}
	}
	if rl, ok := err.(auth.RateLimitAPIError); ok {
		wait := time.Duration(rl.RateLimitError.RetryAfter) * time.Second
		if wait > 0 {
			time.Sleep(wait)
		}
		return &coreerr.RemoteError{Err: err, Retriable: true}
	}
	if strings.Contains(msg, "too_many_write_operations") || strings.Contains(msg, "too_many_requests") {
		return &coreerr.RemoteError{Err: err, Retriable: true}
	}
	// Unclassified transport-level errors (timeouts, connection resets) are
	// treated as transient; API errors that got this far are treated as fatal.
	switch err.(type) {
	case files.ListFolderAPIError, files.ListFolderContinueAPIError, files.ListFolderLongpollAPIError, files.DownloadAPIError, files.GetTemporaryLinkAPIError:
		return &coreerr.RemoteError{Err: err, Retriable: false}
	default:
		return &coreerr.RemoteError{Err: err, Retriable: true}
	}
}

func fromSDKEntries(entries []files.IsMetadata) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		switch m := e.(type) {
		case *files.FileMetadata:
			out = append(out, Entry{
				Kind:           KindFile,
				PathDisplay:    m.PathDisplay,
				Rev:            m.Rev,
				Size:           m.Size,
				ServerModified: m.ServerModified,
			})
		case *files.FolderMetadata:
			out = append(out, Entry{
				Kind:        KindFolder,
				PathDisplay: m.PathDisplay,
			})
		case *files.DeletedMetadata:
			out = append(out, Entry{
				Kind:        KindDeleted,
				PathDisplay: m.PathDisplay,
			})
		}
	}
	return out
}

// ListFolder lists everything under root recursively, including deletions.
func (c *Client) ListFolder(ctx context.Context, root string) (ListResult, error) {
	var res *files.ListFolderResult
	err := withRetry(ctx, root, func() error {
		arg := files.ListFolderArg{
			Path:          root,
			Recursive:     true,
			IncludeDeleted: true,
		}
		if arg.Path == "/" {
			arg.Path = ""
		}
		var e error
		res, e = c.srv.ListFolder(&arg)
		return e
	})
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Entries: fromSDKEntries(res.Entries), Cursor: res.Cursor, HasMore: res.HasMore}, nil
}

// ListContinue resumes a listing from a previously issued cursor.
func (c *Client) ListContinue(ctx context.Context, cursor string) (ListResult, error) {
	var res *files.ListFolderResult
	err := withRetry(ctx, cursor, func() error {
		arg := files.ListFolderContinueArg{Cursor: cursor}
		var e error
		res, e = c.srv.ListFolderContinue(&arg)
		return e
	})
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Entries: fromSDKEntries(res.Entries), Cursor: res.Cursor, HasMore: res.HasMore}, nil
}

// LongPoll blocks until the remote reports a change since cursor or its own
// timeout elapses. Dropbox enforces a timeout window of 30-480s for the long
// poll itself; we ask for the max.
func (c *Client) LongPoll(ctx context.Context, cursor string) (LongPollResult, error) {
	var res *files.ListFolderLongpollResult
	err := withRetry(ctx, cursor, func() error {
		arg := files.ListFolderLongpollArg{Cursor: cursor, Timeout: 480}
		var e error
		res, e = c.svc.ListFolderLongpoll(&arg)
		return e
	})
	if err != nil {
		return LongPollResult{}, err
	}
	return LongPollResult{Changes: res.Changes, Backoff: time.Duration(res.Backoff) * time.Second}, nil
}

// DownloadResult carries the metadata and body stream for a download.
type DownloadResult struct {
	Rev         string
	Size        uint64
	ContentType string
	Body        io.ReadCloser
}

// Download streams the current content of path.
func (c *Client) Download(ctx context.Context, path string) (DownloadResult, error) {
	var meta *files.FileMetadata
	var body io.ReadCloser
	err := withRetry(ctx, path, func() error {
		arg := files.DownloadArg{Path: path}
		var e error
		meta, body, e = c.srv.Download(&arg)
		return e
	})
	if err != nil {
		if isNotFound(err) {
			return DownloadResult{}, coreerr.ErrNotFound
		}
		return DownloadResult{}, err
	}
	return DownloadResult{Rev: meta.Rev, Size: meta.Size, Body: body}, nil
}

// TemporaryLink requests a short-lived direct-download URL for path.
func (c *Client) TemporaryLink(ctx context.Context, path string) (string, error) {
	var res *files.GetTemporaryLinkResult
	err := withRetry(ctx, path, func() error {
		arg := files.GetTemporaryLinkArg{Path: path}
		var e error
		res, e = c.srv.GetTemporaryLink(&arg)
		return e
	})
	if err != nil {
		if isNotFound(err) {
			return "", coreerr.ErrNotFound
		}
		return "", err
	}
	return res.Link, nil
}

// isNotFound checks err against the lookup-not-found variants of the SDK's
// API errors. withRetry wraps whatever it returns in *coreerr.RemoteError,
// so this unwraps through that layer via errors.As rather than asserting on
// err's own type.
func isNotFound(err error) bool {
	var downloadErr files.DownloadAPIError
	if errors.As(err, &downloadErr) {
		return downloadErr.EndpointError != nil && downloadErr.EndpointError.Path != nil &&
			downloadErr.EndpointError.Path.Tag == files.LookupErrorNotFound
	}
	var metadataErr files.GetMetadataAPIError
	if errors.As(err, &metadataErr) {
		return metadataErr.EndpointError != nil && metadataErr.EndpointError.Path != nil &&
			metadataErr.EndpointError.Path.Tag == files.LookupErrorNotFound
	}
	return false
}
