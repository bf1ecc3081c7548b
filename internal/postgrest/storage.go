package postgrest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"
)

type UploadOptions struct {
	ContentType  string
	CacheControl string
	Upsert       bool
}

// FileObject is one entry of a storage listing.
type FileObject struct {
	Name      string         `json:"name"`
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata"`
}

type SignedURL struct {
	Path      string `json:"path"`
	SignedURL string `json:"signedURL"`
	Error     string `json:"error,omitempty"`
}

type Bucket struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Public bool   `json:"public"`
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

func (c *Client) objectURL(bucket, p string) string {
	return c.storageURL + "/object/" + url.PathEscape(bucket) + "/" + escapePath(p)
}

// Upload stores body at bucket/p and returns the object key.
func (c *Client) Upload(ctx context.Context, bucket, p string, body io.Reader, opts UploadOptions) (string, error) {
	headers := map[string]string{}
	if opts.ContentType != "" {
		headers["Content-Type"] = opts.ContentType
	} else {
		headers["Content-Type"] = "application/octet-stream"
	}
	if opts.CacheControl != "" {
		headers["Cache-Control"] = opts.CacheControl
	}
	if opts.Upsert {
		headers["x-upsert"] = "true"
	}

	resp, err := c.do(ctx, request{method: "POST", url: c.objectURL(bucket, p), body: body, headers: headers})
	if err != nil {
		return "", err
	}
	var out struct {
		Key string `json:"Key"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return "", fmt.Errorf("unmarshal upload response: %w", err)
	}
	return out.Key, nil
}

// PublicURL builds the public URL of an object in a public bucket. It does
// not check that the object exists.
func (c *Client) PublicURL(bucket, p string) string {
	return c.storageURL + "/object/public/" + url.PathEscape(bucket) + "/" + escapePath(p)
}

// Remove deletes the given object paths from bucket.
func (c *Client) Remove(ctx context.Context, bucket string, paths []string) ([]FileObject, error) {
	var out []FileObject
	err := c.doJSON(ctx, "DELETE", c.storageURL+"/object/"+url.PathEscape(bucket),
		map[string]any{"prefixes": paths}, &out, nil)
	return out, err
}

// CreateSignedURL returns a time-limited download URL.
func (c *Client) CreateSignedURL(ctx context.Context, bucket, p string, expiresIn time.Duration) (string, error) {
	var out struct {
		SignedURL string `json:"signedURL"`
	}
	err := c.doJSON(ctx, "POST", c.storageURL+"/object/sign/"+url.PathEscape(bucket)+"/"+escapePath(p),
		map[string]int{"expiresIn": int(expiresIn.Seconds())}, &out, nil)
	if err != nil {
		return "", err
	}
	return c.storageURL + out.SignedURL, nil
}

// CreateSignedURLs signs several objects in one call. Entries that failed
// carry a non-empty Error.
func (c *Client) CreateSignedURLs(ctx context.Context, bucket string, paths []string, expiresIn time.Duration) ([]SignedURL, error) {
	var out []SignedURL
	err := c.doJSON(ctx, "POST", c.storageURL+"/object/sign/"+url.PathEscape(bucket),
		map[string]any{"expiresIn": int(expiresIn.Seconds()), "paths": paths}, &out, nil)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].SignedURL != "" {
			out[i].SignedURL = c.storageURL + out[i].SignedURL
		}
	}
	return out, nil
}

func (c *Client) Copy(ctx context.Context, bucket, from, to string) error {
	return c.transfer(ctx, "copy", bucket, from, to)
}

func (c *Client) Move(ctx context.Context, bucket, from, to string) error {
	return c.transfer(ctx, "move", bucket, from, to)
}

func (c *Client) transfer(ctx context.Context, op, bucket, from, to string) error {
	return c.doJSON(ctx, "POST", c.storageURL+"/object/"+op, map[string]string{
		"bucketId":       bucket,
		"sourceKey":      from,
		"destinationKey": to,
	}, nil, nil)
}

// List returns the objects under prefix whose name contains search.
func (c *Client) List(ctx context.Context, bucket, prefix, search string, limit int) ([]FileObject, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []FileObject
	err := c.doJSON(ctx, "POST", c.storageURL+"/object/list/"+url.PathEscape(bucket), map[string]any{
		"prefix": prefix,
		"search": search,
		"limit":  limit,
		"offset": 0,
	}, &out, nil)
	return out, err
}

// Info looks up a single object by listing its directory.
func (c *Client) Info(ctx context.Context, bucket, p string) (*FileObject, error) {
	dir, name := path.Split(strings.TrimLeft(p, "/"))
	objs, err := c.List(ctx, bucket, strings.TrimSuffix(dir, "/"), name, 100)
	if err != nil {
		return nil, err
	}
	for i := range objs {
		if objs[i].Name == name {
			return &objs[i], nil
		}
	}
	return nil, &Error{Code: "not_found", Message: "object not found: " + p, Status: 404}
}

func (c *Client) CreateBucket(ctx context.Context, id string, public bool) (*Bucket, error) {
	err := c.doJSON(ctx, "POST", c.storageURL+"/bucket", map[string]any{
		"id":     id,
		"name":   id,
		"public": public,
	}, nil, nil)
	if err != nil {
		return nil, err
	}
	return &Bucket{ID: id, Name: id, Public: public}, nil
}

// EmptyBucket removes every object in the bucket.
func (c *Client) EmptyBucket(ctx context.Context, id string) error {
	return c.doJSON(ctx, "POST", c.storageURL+"/bucket/"+url.PathEscape(id)+"/empty", nil, nil, nil)
}

// DeleteBucket deletes an empty bucket.
func (c *Client) DeleteBucket(ctx context.Context, id string) error {
	return c.doJSON(ctx, "DELETE", c.storageURL+"/bucket/"+url.PathEscape(id), nil, nil, nil)
}
