package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cocoonstack/vmbackup/checkpoint"
	"github.com/cocoonstack/vmbackup/hypervisor"
	"github.com/cocoonstack/vmbackup/moment"
	"github.com/cocoonstack/vmbackup/types"
	"github.com/cocoonstack/vmbackup/utils"
)

// Client talks to a daemon. It implements hypervisor.Hypervisor so the CLI
// does not care whether the engine is local or remote.
type Client struct {
	hc   *http.Client
	base string
}

var _ hypervisor.Hypervisor = (*Client)(nil)

// NewClient returns a client for the daemon listening on socket.
func NewClient(socket string) *Client {
	return newClient(utils.NewSocketHTTPClient(socket), "http://vmbackup")
}

func newClient(hc *http.Client, host string) *Client {
	return &Client{hc: hc, base: host + Prefix}
}

func (c *Client) Type() string { return "api" }

func (c *Client) Close() error {
	c.hc.CloseIdleConnections()
	return nil
}

func (c *Client) Define(ctx context.Context, dom *types.Domain, qmpSocket string) (*types.DomainInfo, error) {
	return call[*types.DomainInfo](ctx, c, http.MethodPost, c.url("domains"), DefineRequest{Domain: dom, QMPSocket: qmpSocket}, http.StatusCreated)
}

// Undefine removes each domain in turn, like the local driver does.
func (c *Client) Undefine(ctx context.Context, refs []string) ([]string, error) {
	var succeeded []string
	var errs []error
	for _, ref := range refs {
		if _, err := call[struct{}](ctx, c, http.MethodDelete, c.url("domains", ref), nil, http.StatusNoContent); err != nil {
			errs = append(errs, fmt.Errorf("domain %s: %w", ref, err))
			continue
		}
		succeeded = append(succeeded, ref)
	}
	return succeeded, errors.Join(errs...)
}

func (c *Client) Inspect(ctx context.Context, ref string) (*types.DomainInfo, error) {
	return call[*types.DomainInfo](ctx, c, http.MethodGet, c.url("domains", ref), nil, http.StatusOK)
}

func (c *Client) List(ctx context.Context) ([]*types.DomainInfo, error) {
	return call[[]*types.DomainInfo](ctx, c, http.MethodGet, c.url("domains"), nil, http.StatusOK)
}

func (c *Client) BackupBegin(ctx context.Context, ref, backupXML, checkpointXML string) (int, error) {
	resp, err := call[BackupBeginResponse](ctx, c, http.MethodPost, c.url("domains", ref, "backups"),
		BackupBeginRequest{BackupXML: backupXML, CheckpointXML: checkpointXML}, http.StatusCreated)
	return resp.ID, err
}

func (c *Client) BackupEnd(ctx context.Context, ref string, id int) error {
	_, err := call[struct{}](ctx, c, http.MethodDelete, c.url("domains", ref, "backups", strconv.Itoa(id)), nil, http.StatusNoContent)
	return err
}

func (c *Client) BackupGetXMLDesc(ctx context.Context, ref string, id int) (string, error) {
	resp, err := call[XMLResponse](ctx, c, http.MethodGet, c.url("domains", ref, "backups", strconv.Itoa(id)), nil, http.StatusOK)
	return resp.XML, err
}

func (c *Client) CheckpointCreate(ctx context.Context, ref, xml string, redefine bool) (string, error) {
	resp, err := call[NameResponse](ctx, c, http.MethodPost, c.url("domains", ref, "checkpoints"),
		CheckpointCreateRequest{XML: xml, Redefine: redefine}, http.StatusCreated)
	return resp.Name, err
}

func (c *Client) CheckpointDelete(ctx context.Context, ref, name string, flags checkpoint.DeleteFlags) error {
	q := url.Values{}
	setFlag(q, "children", flags&checkpoint.DeleteChildren != 0)
	setFlag(q, "children_only", flags&checkpoint.DeleteChildrenOnly != 0)
	setFlag(q, "metadata_only", flags&checkpoint.DeleteMetadataOnly != 0)
	_, err := call[struct{}](ctx, c, http.MethodDelete, withQuery(c.url("domains", ref, "checkpoints", name), q), nil, http.StatusNoContent)
	return err
}

func (c *Client) CheckpointList(ctx context.Context, ref, from string, filter moment.Filter) ([]string, error) {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	setFlag(q, "roots", filter&moment.ListRoots != 0)
	setFlag(q, "descendants", filter&moment.ListDescendants != 0)
	setFlag(q, "leaves", filter&moment.ListLeaves != 0)
	setFlag(q, "no_leaves", filter&moment.ListNoLeaves != 0)
	resp, err := call[NamesResponse](ctx, c, http.MethodGet, withQuery(c.url("domains", ref, "checkpoints"), q), nil, http.StatusOK)
	return resp.Names, err
}

func (c *Client) CheckpointGetXMLDesc(ctx context.Context, ref, name string, flags checkpoint.FormatFlags) (string, error) {
	q := url.Values{}
	setFlag(q, "size", flags&checkpoint.FormatSize != 0)
	setFlag(q, "no_domain", flags&checkpoint.FormatNoDomain != 0)
	resp, err := call[XMLResponse](ctx, c, http.MethodGet, withQuery(c.url("domains", ref, "checkpoints", name), q), nil, http.StatusOK)
	return resp.XML, err
}

func (c *Client) CheckpointParent(ctx context.Context, ref, name string) (string, error) {
	resp, err := call[NameResponse](ctx, c, http.MethodGet, c.url("domains", ref, "checkpoints", name, "parent"), nil, http.StatusOK)
	return resp.Name, err
}

func (c *Client) url(segments ...string) string {
	u := c.base
	for _, s := range segments {
		u += "/" + url.PathEscape(s)
	}
	return u
}

// call runs one request and turns an error body back into a *types.Error.
// Reads are retried on transport failures.
func call[T any](ctx context.Context, c *Client, method, u string, in any, expected int) (T, error) {
	do := func() (T, error) { return utils.DoJSON[T](ctx, c.hc, method, u, in, expected) }
	var (
		out T
		err error
	)
	if method == http.MethodGet {
		out, err = utils.DoWithRetry(ctx, do)
	} else {
		out, err = do()
	}
	var apiErr *utils.APIError
	if errors.As(err, &apiErr) {
		var coded types.Error
		if json.Unmarshal(apiErr.Body, &coded) == nil && coded.Code != "" {
			return out, &coded
		}
	}
	return out, err
}

func setFlag(q url.Values, key string, on bool) {
	if on {
		q.Set(key, "true")
	}
}

func withQuery(u string, q url.Values) string {
	if len(q) == 0 {
		return u
	}
	return u + "?" + q.Encode()
}
