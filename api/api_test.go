package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cocoonstack/vmbackup/checkpoint"
	"github.com/cocoonstack/vmbackup/moment"
	"github.com/cocoonstack/vmbackup/types"
	"github.com/cocoonstack/vmbackup/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubHyper records the arguments it was called with and answers from
// canned values.
type stubHyper struct {
	err error

	ref      string
	name     string
	xml      string
	redefine bool
	id       int
	from     string
	filter   moment.Filter
	format   checkpoint.FormatFlags
	del      checkpoint.DeleteFlags
	defined  *types.Domain
}

func (s *stubHyper) Type() string { return "stub" }
func (s *stubHyper) Close() error { return nil }

func (s *stubHyper) Define(_ context.Context, dom *types.Domain, qmp string) (*types.DomainInfo, error) {
	s.defined = dom
	return &types.DomainInfo{Name: dom.Name, QMPSocket: qmp, Disks: dom.Disks}, s.err
}

func (s *stubHyper) Undefine(_ context.Context, refs []string) ([]string, error) {
	s.ref = refs[0]
	if s.err != nil {
		return nil, fmt.Errorf("domain %s: %w", refs[0], s.err)
	}
	return refs, nil
}

func (s *stubHyper) Inspect(_ context.Context, ref string) (*types.DomainInfo, error) {
	s.ref = ref
	if s.err != nil {
		return nil, s.err
	}
	return &types.DomainInfo{Name: ref, State: types.DomainRunning, Backup: &types.BackupInfo{ID: 3, Mode: "push"}}, nil
}

func (s *stubHyper) List(context.Context) ([]*types.DomainInfo, error) {
	return []*types.DomainInfo{{Name: "vm1"}, {Name: "vm2"}}, s.err
}

func (s *stubHyper) BackupBegin(_ context.Context, ref, backupXML, checkpointXML string) (int, error) {
	s.ref, s.xml, s.name = ref, backupXML, checkpointXML
	return 7, s.err
}

func (s *stubHyper) BackupEnd(_ context.Context, ref string, id int) error {
	s.ref, s.id = ref, id
	return s.err
}

func (s *stubHyper) BackupGetXMLDesc(_ context.Context, ref string, id int) (string, error) {
	s.ref, s.id = ref, id
	return "<domainbackup/>", s.err
}

func (s *stubHyper) CheckpointCreate(_ context.Context, ref, xml string, redefine bool) (string, error) {
	s.ref, s.xml, s.redefine = ref, xml, redefine
	return "c1", s.err
}

func (s *stubHyper) CheckpointDelete(_ context.Context, ref, name string, flags checkpoint.DeleteFlags) error {
	s.ref, s.name, s.del = ref, name, flags
	return s.err
}

func (s *stubHyper) CheckpointList(_ context.Context, ref, from string, filter moment.Filter) ([]string, error) {
	s.ref, s.from, s.filter = ref, from, filter
	return []string{"c1", "c2"}, s.err
}

func (s *stubHyper) CheckpointGetXMLDesc(_ context.Context, ref, name string, flags checkpoint.FormatFlags) (string, error) {
	s.ref, s.name, s.format = ref, name, flags
	return "<domaincheckpoint/>", s.err
}

func (s *stubHyper) CheckpointParent(_ context.Context, ref, name string) (string, error) {
	s.ref, s.name = ref, name
	return "c0", s.err
}

func newTestClient(t *testing.T, hyper *stubHyper) *Client {
	t.Helper()
	ts := httptest.NewServer(NewServer(hyper).Handler())
	t.Cleanup(ts.Close)
	return newClient(ts.Client(), ts.URL)
}

// --- round trips ---

func TestClient_Domains(t *testing.T) {
	ctx := context.Background()
	hyper := &stubHyper{}
	c := newTestClient(t, hyper)

	dom := &types.Domain{Name: "vm1", Disks: []*types.Disk{{Target: "vda", Source: &types.StorageSource{Type: types.StorageFile, Path: "/images/vda.qcow2"}}}}
	info, err := c.Define(ctx, dom, "/run/qmp.sock")
	require.NoError(t, err)
	assert.Equal(t, "vm1", info.Name)
	assert.Equal(t, "/run/qmp.sock", info.QMPSocket)
	assert.Equal(t, "/images/vda.qcow2", hyper.defined.Disks[0].Source.Path)

	info, err = c.Inspect(ctx, "vm1")
	require.NoError(t, err)
	assert.Equal(t, 3, info.Backup.ID)

	all, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	done, err := c.Undefine(ctx, []string{"vm1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"vm1"}, done)
}

func TestClient_Backups(t *testing.T) {
	ctx := context.Background()
	hyper := &stubHyper{}
	c := newTestClient(t, hyper)

	id, err := c.BackupBegin(ctx, "vm1", `<domainbackup mode="pull"/>`, "<domaincheckpoint/>")
	require.NoError(t, err)
	assert.Equal(t, 7, id)
	assert.Equal(t, `<domainbackup mode="pull"/>`, hyper.xml)
	assert.Equal(t, "<domaincheckpoint/>", hyper.name)

	xml, err := c.BackupGetXMLDesc(ctx, "vm1", 7)
	require.NoError(t, err)
	assert.Equal(t, "<domainbackup/>", xml)

	require.NoError(t, c.BackupEnd(ctx, "vm1", 0))
	assert.Equal(t, 0, hyper.id)
}

func TestClient_Checkpoints(t *testing.T) {
	ctx := context.Background()
	hyper := &stubHyper{}
	c := newTestClient(t, hyper)

	name, err := c.CheckpointCreate(ctx, "vm1", "<domaincheckpoint/>", true)
	require.NoError(t, err)
	assert.Equal(t, "c1", name)
	assert.True(t, hyper.redefine)

	names, err := c.CheckpointList(ctx, "vm1", "c0", moment.ListDescendants|moment.ListLeaves)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, names)
	assert.Equal(t, "c0", hyper.from)
	assert.Equal(t, moment.ListDescendants|moment.ListLeaves, hyper.filter)

	xml, err := c.CheckpointGetXMLDesc(ctx, "vm1", "c1", checkpoint.FormatSize|checkpoint.FormatNoDomain)
	require.NoError(t, err)
	assert.Equal(t, "<domaincheckpoint/>", xml)
	assert.Equal(t, checkpoint.FormatSize|checkpoint.FormatNoDomain, hyper.format)

	require.NoError(t, c.CheckpointDelete(ctx, "vm1", "c1", checkpoint.DeleteChildrenOnly|checkpoint.DeleteMetadataOnly))
	assert.Equal(t, checkpoint.DeleteChildrenOnly|checkpoint.DeleteMetadataOnly, hyper.del)

	parent, err := c.CheckpointParent(ctx, "vm1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "c0", parent)
}

func TestClient_EscapesRefs(t *testing.T) {
	hyper := &stubHyper{}
	c := newTestClient(t, hyper)
	_, err := c.CheckpointParent(context.Background(), "vm 1", "a/b")
	require.NoError(t, err)
	assert.Equal(t, "vm 1", hyper.ref)
	assert.Equal(t, "a/b", hyper.name)
}

// --- errors ---

func TestClient_DecodesCodedErrors(t *testing.T) {
	ctx := context.Background()
	hyper := &stubHyper{err: types.Errorf(types.CodeNoCheckpoint, "no domain checkpoint with matching name 'c9'")}
	c := newTestClient(t, hyper)

	_, err := c.CheckpointGetXMLDesc(ctx, "vm1", "c9", 0)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeNoCheckpoint))
	assert.Contains(t, err.Error(), "c9")

	hyper.err = types.Errorf(types.CodeOperationInvalid, "backup already active")
	_, err = c.BackupBegin(ctx, "vm1", "<domainbackup/>", "")
	assert.True(t, types.IsCode(err, types.CodeOperationInvalid))

	done, err := c.Undefine(ctx, []string{"vm1", "vm2"})
	assert.Empty(t, done)
	assert.True(t, types.IsCode(err, types.CodeOperationInvalid))
	assert.Contains(t, err.Error(), "domain vm2")
}

func TestErrorHandler_Status(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   types.Code
	}{
		{types.Errorf(types.CodeNoDomain, "x"), http.StatusNotFound, types.CodeNoDomain},
		{types.Errorf(types.CodeAlreadyExists, "x"), http.StatusConflict, types.CodeAlreadyExists},
		{types.Errorf(types.CodeXML, "x"), http.StatusBadRequest, types.CodeXML},
		{types.Errorf(types.CodeOperationUnsupported, "x"), http.StatusUnprocessableEntity, types.CodeOperationUnsupported},
		{fmt.Errorf("wrapped: %w", types.Errorf(types.CodeSystem, "x")), http.StatusInternalServerError, types.CodeSystem},
		{fmt.Errorf("plain"), http.StatusInternalServerError, types.CodeInternal},
	}
	for _, tt := range tests {
		hyper := &stubHyper{err: tt.err}
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, Prefix+"/domains/vm1", nil)
		NewServer(hyper).Handler().ServeHTTP(w, req)

		assert.Equal(t, tt.status, w.Code, tt.err.Error())
		var body types.Error
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, tt.code, body.Code)
	}
}

func TestServer_RejectsMalformedRequests(t *testing.T) {
	h := NewServer(&stubHyper{}).Handler()
	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPost, "/domains/vm1/backups", `{}`},
		{http.MethodPost, "/domains", `{"qmp_socket":"/x"}`},
		{http.MethodGet, "/domains/vm1/backups/abc", ""},
		{http.MethodDelete, "/domains/vm1/backups/-1", ""},
		{http.MethodGet, "/domains/vm1/checkpoints?leaves=maybe", ""},
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(tc.method, Prefix+tc.path, strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "application/json")
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, tc.path)
	}
}

// --- socket ---

func TestServe_UnixSocket(t *testing.T) {
	// t.TempDir() paths may exceed the unix socket limit
	socket := filepath.Join("/tmp", fmt.Sprintf("vmbackup-api-%d.sock", os.Getpid()))
	t.Cleanup(func() { _ = os.Remove(socket) })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(&stubHyper{}).Serve(ctx, socket) }()

	require.NoError(t, utils.WaitFor(ctx, 5*time.Second, 10*time.Millisecond, func() (bool, error) {
		return utils.CheckSocket(socket) == nil, nil
	}))
	c := NewClient(socket)
	all, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
	require.NoError(t, c.Close())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.NoFileExists(t, socket)
}
