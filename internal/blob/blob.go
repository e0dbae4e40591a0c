// Package blob reads and writes label files, vector files and reports that
// live either on local disk or in Google Cloud Storage (gs://bucket/object).
package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
)

const gsScheme = "gs://"

// Opener resolves URIs to readers and writers. The GCS client is created
// on first use, so purely local deployments never need credentials.
type Opener struct {
	enableGCS bool

	mu        sync.Mutex
	client    *storage.Client
	newClient func(context.Context) (*storage.Client, error)
}

// NewOpener returns an Opener. With enableGCS false, gs:// URIs are
// rejected.
func NewOpener(enableGCS bool) *Opener {
	return &Opener{
		enableGCS: enableGCS,
		newClient: func(ctx context.Context) (*storage.Client, error) {
			return storage.NewClient(ctx)
		},
	}
}

// IsRemote reports whether uri names a GCS object.
func IsRemote(uri string) bool {
	return strings.HasPrefix(uri, gsScheme)
}

// SplitGSURI splits gs://bucket/path/to/object into bucket and object.
func SplitGSURI(uri string) (bucket, object string, err error) {
	parts := strings.SplitN(strings.TrimPrefix(uri, gsScheme), "/", 2)
	if !IsRemote(uri) || len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed google storage uri %q", uri)
	}
	return parts[0], parts[1], nil
}

func (o *Opener) gcs(ctx context.Context) (*storage.Client, error) {
	if !o.enableGCS {
		return nil, fmt.Errorf("google storage access is disabled")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.client == nil {
		// The client outlives the request that first needs it.
		client, err := o.newClient(context.WithoutCancel(ctx))
		if err != nil {
			return nil, fmt.Errorf("creating google storage client: %w", err)
		}
		o.client = client
	}
	return o.client, nil
}

// Open returns a reader for uri. The caller closes it.
func (o *Opener) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if !IsRemote(uri) {
		return os.Open(uri)
	}

	bucket, object, err := SplitGSURI(uri)
	if err != nil {
		return nil, err
	}
	client, err := o.gcs(ctx)
	if err != nil {
		return nil, err
	}

	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", uri, err)
	}
	return r, nil
}

// ReadAll reads the whole object at uri.
func (o *Opener) ReadAll(ctx context.Context, uri string) ([]byte, error) {
	r, err := o.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

// Create returns a writer for uri, creating parent directories for local
// paths. The object is committed when the writer is closed.
func (o *Opener) Create(ctx context.Context, uri string) (io.WriteCloser, error) {
	if !IsRemote(uri) {
		if dir := filepath.Dir(uri); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		return os.Create(uri)
	}

	bucket, object, err := SplitGSURI(uri)
	if err != nil {
		return nil, err
	}
	client, err := o.gcs(ctx)
	if err != nil {
		return nil, err
	}
	return client.Bucket(bucket).Object(object).NewWriter(ctx), nil
}

// WriteFile writes data to uri in one call.
func (o *Opener) WriteFile(ctx context.Context, uri string, data []byte) error {
	w, err := o.Create(ctx, uri)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Close releases the GCS client, if one was created.
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.client == nil {
		return nil
	}
	err := o.client.Close()
	o.client = nil
	return err
}
