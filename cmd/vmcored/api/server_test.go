package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tashi-project/vmcore/lib/vmcontrol"
)

// fakeControl is a minimal vmcontrol.VmControl stub for exercising the
// debug HTTP surface without a real Qemu backend.
type fakeControl struct {
	vmIds      []int
	listErr    error
	vmmReply   string
	vmmErr     error
	lastVmId   int
	lastVmmArg string
}

var _ vmcontrol.VmControl = (*fakeControl)(nil)

func (f *fakeControl) InstantiateVM(ctx context.Context, instance vmcontrol.Instance) (int, error) {
	return 0, nil
}
func (f *fakeControl) SuspendVM(ctx context.Context, vmId int, target string, cookie []byte) (int, error) {
	return 0, nil
}
func (f *fakeControl) ResumeVM(ctx context.Context, source string) (int, []byte, error) {
	return 0, nil, nil
}
func (f *fakeControl) PrepReceiveVM(ctx context.Context, instance vmcontrol.Instance, source string) ([]byte, error) {
	return nil, nil
}
func (f *fakeControl) MigrateVM(ctx context.Context, vmId int, targetHost string, cookie []byte) (int, error) {
	return 0, nil
}
func (f *fakeControl) ReceiveVM(ctx context.Context, cookie []byte) (int, error) { return 0, nil }
func (f *fakeControl) PauseVM(ctx context.Context, vmId int) error               { return nil }
func (f *fakeControl) UnpauseVM(ctx context.Context, vmId int) error             { return nil }
func (f *fakeControl) DestroyVM(ctx context.Context, vmId int) error             { return nil }
func (f *fakeControl) VmmSpecificCall(ctx context.Context, vmId int, arg string) (string, error) {
	f.lastVmId = vmId
	f.lastVmmArg = arg
	return f.vmmReply, f.vmmErr
}
func (f *fakeControl) ListVMs(ctx context.Context) ([]int, error) {
	return f.vmIds, f.listErr
}

func TestHealthz(t *testing.T) {
	s := NewServer(&fakeControl{}, "vmcored-test")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListVMs(t *testing.T) {
	s := NewServer(&fakeControl{vmIds: []int{101, 202}}, "vmcored-test")

	req := httptest.NewRequest(http.MethodGet, "/vms", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		VmIds []int `json:"vmIds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.ElementsMatch(t, []int{101, 202}, body.VmIds)
}

func TestVmmCallDispatchesToControl(t *testing.T) {
	fc := &fakeControl{vmmReply: "5901"}
	s := NewServer(fc, "vmcored-test")

	req := httptest.NewRequest(http.MethodPost, "/vms/42/vmm/startvnc", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 42, fc.lastVmId)
	assert.Equal(t, "startvnc", fc.lastVmmArg)

	var body struct {
		Reply string `json:"reply"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "5901", body.Reply)
}

func TestVmmCallInvalidVmIdIsBadRequest(t *testing.T) {
	s := NewServer(&fakeControl{}, "vmcored-test")

	req := httptest.NewRequest(http.MethodPost, "/vms/not-a-number/vmm/startvnc", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
