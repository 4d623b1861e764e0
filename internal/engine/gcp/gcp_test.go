package gcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/api/googleapi"
	"google.golang.org/protobuf/proto"

	"github.com/vdiazroa/auto-scaling-gh-runners/internal/engine"
)

// ---------------------------------------------------------------------------
// Mock operation (satisfies operationWaiter)
// ---------------------------------------------------------------------------

type mockOperation struct {
	err error
}

func (m *mockOperation) Wait(_ context.Context, _ ...gax.CallOption) error {
	return m.err
}

// ---------------------------------------------------------------------------
// Mock instances client (satisfies instancesAPI)
// ---------------------------------------------------------------------------

type mockInstancesClient struct {
	mu sync.Mutex

	insertCalls []*computepb.InsertInstanceRequest
	stopCalls   []*computepb.StopInstanceRequest
	deleteCalls []*computepb.DeleteInstanceRequest
	listCalls   []*computepb.ListInstancesRequest
	closed      bool

	instances []*computepb.Instance

	insertErr error
	insertOp  operationWaiter
	stopErr   error
	deleteErr error
	deleteOp  operationWaiter
	listErr   error
}

func newMockInstancesClient() *mockInstancesClient {
	return &mockInstancesClient{
		insertOp: &mockOperation{},
		deleteOp: &mockOperation{},
	}
}

func (m *mockInstancesClient) Insert(_ context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertCalls = append(m.insertCalls, req)
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	return m.insertOp, nil
}

func (m *mockInstancesClient) Stop(_ context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopCalls = append(m.stopCalls, req)
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	return &mockOperation{}, nil
}

func (m *mockInstancesClient) Delete(_ context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteCalls = append(m.deleteCalls, req)
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	return m.deleteOp, nil
}

func (m *mockInstancesClient) List(_ context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listCalls = append(m.listCalls, req)
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.instances, nil
}

func (m *mockInstancesClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Mock images client (satisfies imagesAPI)
// ---------------------------------------------------------------------------

type mockImagesClient struct {
	getCalls    []*computepb.GetImageRequest
	familyCalls []*computepb.GetFromFamilyImageRequest
	err         error
	closed      bool
}

func (m *mockImagesClient) Get(_ context.Context, req *computepb.GetImageRequest, _ ...gax.CallOption) (*computepb.Image, error) {
	m.getCalls = append(m.getCalls, req)
	if m.err != nil {
		return nil, m.err
	}
	return &computepb.Image{Name: proto.String(req.GetImage())}, nil
}

func (m *mockImagesClient) GetFromFamily(_ context.Context, req *computepb.GetFromFamilyImageRequest, _ ...gax.CallOption) (*computepb.Image, error) {
	m.familyCalls = append(m.familyCalls, req)
	if m.err != nil {
		return nil, m.err
	}
	return &computepb.Image{Family: proto.String(req.GetFamily())}, nil
}

func (m *mockImagesClient) Close() error {
	m.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type GCPEngineSuite struct {
	suite.Suite
	ctx    context.Context
	client *mockInstancesClient
	images *mockImagesClient
	logger *slog.Logger
	cfg    Config
}

func (s *GCPEngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = newMockInstancesClient()
	s.images = &mockImagesClient{}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.cfg = Config{
		Project:     "test-project",
		Zone:        "us-central1-a",
		MachineType: "e2-medium",
		Image:       "projects/test-project/global/images/runner-image",
		DiskSizeGB:  50,
		Network:     "default",
		PublicIP:    true,
	}
}

func (s *GCPEngineSuite) newEngine() *Engine {
	return newEngine(s.client, s.images, s.cfg, s.logger)
}

func (s *GCPEngineSuite) spec() engine.RunnerSpec {
	return engine.RunnerSpec{
		Prefix: "acme-app",
		Env: map[string]string{
			"GITHUB_REPO":  "repos/acme/app",
			"GITHUB_TOKEN": "ghp_x",
		},
		Labels: map[string]string{"ghrunners.scope": "repos/acme/app"},
	}
}

func TestGCPEngineSuite(t *testing.T) {
	suite.Run(t, new(GCPEngineSuite))
}

// ---------------------------------------------------------------------------
// StartRunner tests
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestStartRunner_Success() {
	e := s.newEngine()

	name, err := e.StartRunner(s.ctx, s.spec())
	require.NoError(s.T(), err)
	assert.Regexp(s.T(), `^acme-app-[0-9a-f]{12}$`, name)

	// Verify the Insert request was well-formed
	require.Len(s.T(), s.client.insertCalls, 1)
	req := s.client.insertCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())

	inst := req.GetInstanceResource()
	assert.Equal(s.T(), name, inst.GetName())
	assert.Contains(s.T(), inst.GetMachineType(), "e2-medium")

	// Env lands in metadata in key order.
	items := inst.GetMetadata().GetItems()
	require.Len(s.T(), items, 2)
	assert.Equal(s.T(), "GITHUB_REPO", items[0].GetKey())
	assert.Equal(s.T(), "repos/acme/app", items[0].GetValue())
	assert.Equal(s.T(), "GITHUB_TOKEN", items[1].GetKey())

	// Label keys and values are folded to GCP's charset.
	assert.Equal(s.T(), map[string]string{"ghrunners_scope": "repos_acme_app"}, inst.GetLabels())
}

func (s *GCPEngineSuite) TestStartRunner_UniqueNames() {
	e := s.newEngine()

	a, err := e.StartRunner(s.ctx, s.spec())
	require.NoError(s.T(), err)
	b, err := e.StartRunner(s.ctx, s.spec())
	require.NoError(s.T(), err)
	assert.NotEqual(s.T(), a, b)
}

func (s *GCPEngineSuite) TestStartRunner_DiskConfig() {
	s.cfg.DiskSizeGB = 100
	e := s.newEngine()

	_, err := e.StartRunner(s.ctx, s.spec())
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetDisks(), 1)
	disk := inst.GetDisks()[0]
	assert.True(s.T(), disk.GetAutoDelete())
	assert.True(s.T(), disk.GetBoot())
	assert.Equal(s.T(), int64(100), disk.GetInitializeParams().GetDiskSizeGb())
	assert.Equal(s.T(), s.cfg.Image, disk.GetInitializeParams().GetSourceImage())
	assert.Contains(s.T(), disk.GetInitializeParams().GetDiskType(), "pd-ssd")
}

func (s *GCPEngineSuite) TestStartRunner_PublicIP() {
	s.cfg.PublicIP = true
	e := s.newEngine()

	_, err := e.StartRunner(s.ctx, s.spec())
	require.NoError(s.T(), err)

	nic := s.client.insertCalls[0].GetInstanceResource().GetNetworkInterfaces()[0]
	assert.Len(s.T(), nic.GetAccessConfigs(), 1, "should have access config for public IP")
}

func (s *GCPEngineSuite) TestStartRunner_NoPublicIP() {
	s.cfg.PublicIP = false
	e := s.newEngine()

	_, err := e.StartRunner(s.ctx, s.spec())
	require.NoError(s.T(), err)

	nic := s.client.insertCalls[0].GetInstanceResource().GetNetworkInterfaces()[0]
	assert.Empty(s.T(), nic.GetAccessConfigs())
}

func (s *GCPEngineSuite) TestStartRunner_CustomSubnet() {
	s.cfg.Subnet = "projects/test-project/regions/us-central1/subnetworks/my-subnet"
	e := s.newEngine()

	_, err := e.StartRunner(s.ctx, s.spec())
	require.NoError(s.T(), err)

	nic := s.client.insertCalls[0].GetInstanceResource().GetNetworkInterfaces()[0]
	assert.Equal(s.T(), s.cfg.Subnet, nic.GetSubnetwork())
}

func (s *GCPEngineSuite) TestStartRunner_ServiceAccount() {
	s.cfg.ServiceAccount = "runner@test-project.iam.gserviceaccount.com"
	e := s.newEngine()

	_, err := e.StartRunner(s.ctx, s.spec())
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetServiceAccounts(), 1)
	sa := inst.GetServiceAccounts()[0]
	assert.Equal(s.T(), "runner@test-project.iam.gserviceaccount.com", sa.GetEmail())
	assert.Contains(s.T(), sa.GetScopes(), "https://www.googleapis.com/auth/cloud-platform")
}

func (s *GCPEngineSuite) TestStartRunner_InsertError() {
	s.client.insertErr = fmt.Errorf("quota exceeded")
	e := s.newEngine()

	_, err := e.StartRunner(s.ctx, s.spec())
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "quota exceeded")
	assert.Empty(s.T(), s.client.deleteCalls)
}

func (s *GCPEngineSuite) TestStartRunner_OperationWaitErrorCleansUp() {
	s.client.insertOp = &mockOperation{err: fmt.Errorf("operation timed out")}
	e := s.newEngine()

	_, err := e.StartRunner(s.ctx, s.spec())
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "operation timed out")

	require.Len(s.T(), s.client.deleteCalls, 1)
	assert.Equal(s.T(), s.client.insertCalls[0].GetInstanceResource().GetName(), s.client.deleteCalls[0].GetInstance())
}

// ---------------------------------------------------------------------------
// StopRunner / DeleteRunner tests
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestStopRunner_Success() {
	e := s.newEngine()

	require.NoError(s.T(), e.StopRunner(s.ctx, "acme-app-0123456789ab"))
	require.Len(s.T(), s.client.stopCalls, 1)
	assert.Equal(s.T(), "acme-app-0123456789ab", s.client.stopCalls[0].GetInstance())
}

func (s *GCPEngineSuite) TestStopRunner_MissingIsSuccess() {
	s.client.stopErr = &googleapi.Error{Code: http.StatusNotFound, Message: "not found"}
	e := s.newEngine()

	assert.NoError(s.T(), e.StopRunner(s.ctx, "acme-app-0123456789ab"))
}

func (s *GCPEngineSuite) TestStopRunner_RealError() {
	s.client.stopErr = fmt.Errorf("permission denied")
	e := s.newEngine()

	assert.Error(s.T(), e.StopRunner(s.ctx, "acme-app-0123456789ab"))
}

func (s *GCPEngineSuite) TestDeleteRunner_Success() {
	e := s.newEngine()

	require.NoError(s.T(), e.DeleteRunner(s.ctx, "acme-app-0123456789ab"))

	require.Len(s.T(), s.client.deleteCalls, 1)
	req := s.client.deleteCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())
	assert.Equal(s.T(), "acme-app-0123456789ab", req.GetInstance())
}

func (s *GCPEngineSuite) TestDeleteRunner_Idempotent_DeleteReturns404() {
	s.client.deleteErr = fmt.Errorf("googleapi: Error 404: The resource was not found")
	e := s.newEngine()

	require.NoError(s.T(), e.DeleteRunner(s.ctx, "runner-gone"), "404 on Delete should be treated as success")
}

func (s *GCPEngineSuite) TestDeleteRunner_Idempotent_WaitReturns404() {
	s.client.deleteOp = &mockOperation{err: fmt.Errorf("code = NotFound")}
	e := s.newEngine()

	require.NoError(s.T(), e.DeleteRunner(s.ctx, "runner-race"), "404 during Wait should be treated as success")
}

func (s *GCPEngineSuite) TestDeleteRunner_RealError() {
	s.client.deleteErr = fmt.Errorf("permission denied: insufficient IAM permissions")
	e := s.newEngine()

	err := e.DeleteRunner(s.ctx, "runner-perms")
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "permission denied")
}

// ---------------------------------------------------------------------------
// ListRunners tests
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestListRunners() {
	s.client.instances = []*computepb.Instance{
		{Name: proto.String("acme-app-000000000001"), Id: proto.Uint64(1), Status: proto.String("RUNNING"), CreationTimestamp: proto.String("2026-01-02T03:04:05Z")},
		{Name: proto.String("acme-app-000000000002"), Id: proto.Uint64(2), Status: proto.String("TERMINATED")},
		{Name: proto.String("acme-app-000000000003"), Id: proto.Uint64(3), Status: proto.String("STAGING")},
		{Name: proto.String("other-000000000004"), Id: proto.Uint64(4), Status: proto.String("RUNNING")},
	}
	e := s.newEngine()

	runners, err := e.ListRunners(s.ctx, "acme-app")
	require.NoError(s.T(), err)
	require.Len(s.T(), runners, 3)

	assert.Equal(s.T(), "acme-app-000000000001", runners[0].Name)
	assert.Equal(s.T(), "1", runners[0].ID)
	assert.True(s.T(), runners[0].Running)
	assert.Equal(s.T(), 2026, runners[0].Created.Year())
	assert.False(s.T(), runners[1].Running)
	assert.True(s.T(), runners[2].Running)

	require.Len(s.T(), s.client.listCalls, 1)
	assert.Equal(s.T(), "name eq acme-app.*", s.client.listCalls[0].GetFilter())
}

func (s *GCPEngineSuite) TestListRunners_Error() {
	s.client.listErr = fmt.Errorf("backend unavailable")
	e := s.newEngine()

	_, err := e.ListRunners(s.ctx, "acme-app")
	assert.Error(s.T(), err)
}

// ---------------------------------------------------------------------------
// ImageAvailable tests
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestImageAvailable_Image() {
	e := s.newEngine()

	ok, err := e.ImageAvailable(s.ctx)
	require.NoError(s.T(), err)
	assert.True(s.T(), ok)
	require.Len(s.T(), s.images.getCalls, 1)
	assert.Equal(s.T(), "test-project", s.images.getCalls[0].GetProject())
	assert.Equal(s.T(), "runner-image", s.images.getCalls[0].GetImage())
}

func (s *GCPEngineSuite) TestImageAvailable_Family() {
	s.cfg.Image = "https://www.googleapis.com/compute/v1/projects/img-project/global/images/family/gh-runner"
	e := s.newEngine()

	ok, err := e.ImageAvailable(s.ctx)
	require.NoError(s.T(), err)
	assert.True(s.T(), ok)
	require.Len(s.T(), s.images.familyCalls, 1)
	assert.Equal(s.T(), "img-project", s.images.familyCalls[0].GetProject())
	assert.Equal(s.T(), "gh-runner", s.images.familyCalls[0].GetFamily())
}

func (s *GCPEngineSuite) TestImageAvailable_Missing() {
	s.images.err = &googleapi.Error{Code: http.StatusNotFound}
	e := s.newEngine()

	ok, err := e.ImageAvailable(s.ctx)
	require.NoError(s.T(), err)
	assert.False(s.T(), ok)
}

func (s *GCPEngineSuite) TestImageAvailable_Error() {
	s.images.err = fmt.Errorf("permission denied")
	e := s.newEngine()

	_, err := e.ImageAvailable(s.ctx)
	assert.Error(s.T(), err)
}

// ---------------------------------------------------------------------------
// Close / helpers
// ---------------------------------------------------------------------------

func (s *GCPEngineSuite) TestClose() {
	e := s.newEngine()

	require.NoError(s.T(), e.Close())
	assert.True(s.T(), s.client.closed)
	assert.True(s.T(), s.images.closed)
}

func (s *GCPEngineSuite) TestNewEngine_Defaults() {
	e := newEngine(s.client, s.images, Config{Project: "p", Zone: "z", Image: "img"}, s.logger)
	assert.Equal(s.T(), "e2-medium", e.cfg.MachineType)
	assert.Equal(s.T(), int64(50), e.cfg.DiskSizeGB)
	assert.Equal(s.T(), "default", e.cfg.Network)
}

func (s *GCPEngineSuite) TestIsNotFound() {
	assert.False(s.T(), isNotFound(nil))
	assert.True(s.T(), isNotFound(&googleapi.Error{Code: http.StatusNotFound}))
	assert.True(s.T(), isNotFound(fmt.Errorf("wrapped: %w", &googleapi.Error{Code: http.StatusNotFound})))
	assert.True(s.T(), isNotFound(fmt.Errorf("googleapi: Error 404: The resource was not found")))
	assert.True(s.T(), isNotFound(fmt.Errorf("rpc error: code = NotFound desc = instance not found")))
	assert.False(s.T(), isNotFound(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(s.T(), isNotFound(fmt.Errorf("permission denied: insufficient IAM permissions")))
}

func (s *GCPEngineSuite) TestParseImage() {
	p, img, fam := parseImage("projects/a/global/images/runner-1", "fallback")
	assert.Equal(s.T(), []string{"a", "runner-1", ""}, []string{p, img, fam})

	p, img, fam = parseImage("projects/a/global/images/family/gh", "fallback")
	assert.Equal(s.T(), []string{"a", "", "gh"}, []string{p, img, fam})

	p, img, fam = parseImage("runner-2", "fallback")
	assert.Equal(s.T(), []string{"fallback", "runner-2", ""}, []string{p, img, fam})
}

func (s *GCPEngineSuite) TestLabelValue() {
	assert.Equal(s.T(), "orgs_acme", labelValue("orgs/Acme"))
	assert.Len(s.T(), labelValue(strings.Repeat("a", 100)), 63)
}
