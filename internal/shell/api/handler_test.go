package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/stackpilot/internal/core/auth"
	"github.com/artpar/stackpilot/internal/core/deployment"
	"github.com/artpar/stackpilot/internal/core/domain"
	apimiddleware "github.com/artpar/stackpilot/internal/shell/api/middleware"
	"github.com/artpar/stackpilot/internal/shell/catalog"
	"github.com/artpar/stackpilot/internal/shell/deploy"
	"github.com/artpar/stackpilot/internal/shell/progress"
	"github.com/artpar/stackpilot/internal/shell/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

// stubRuntime deploys every stack as a single healthy "app" service.
type stubRuntime struct {
	mu    sync.Mutex
	fail  map[string]error // by stack name
	names map[string]string
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{fail: make(map[string]error), names: make(map[string]string)}
}

func (r *stubRuntime) DeployStack(_ context.Context, spec deployment.StackSpec) ([]domain.DeployedService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[spec.DeploymentID] = spec.StackName
	if err := r.fail[spec.StackName]; err != nil {
		return nil, err
	}
	return []domain.DeployedService{
		{Name: "app", ContainerID: "c-" + spec.DeploymentID, Image: "example/app", Status: "running"},
	}, nil
}

func (r *stubRuntime) RemoveStack(context.Context, string) error { return nil }

func (r *stubRuntime) InspectServiceHealth(_ context.Context, deploymentID string) ([]domain.ServiceHealth, error) {
	return []domain.ServiceHealth{
		{Name: "app", ContainerID: "c-" + deploymentID, Status: domain.HealthStatusHealthy, ContainerState: "running"},
	}, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

const testManifest = "services:\n  app:\n    image: example/app\n"

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	v1 := &catalog.Product{
		ID:      "shop",
		Name:    "Shop",
		Version: "1.0.0",
		Stacks: []catalog.Stack{
			{Name: "db", Order: 1, Manifest: testManifest},
			{Name: "api", Order: 2, Manifest: testManifest},
		},
	}
	v2 := &catalog.Product{
		ID:      "shop-v2",
		Name:    "Shop",
		Group:   "shop",
		Version: "2.0.0",
		Stacks: []catalog.Stack{
			{Name: "db", Order: 1, Manifest: testManifest},
			{Name: "api", Order: 2, Manifest: testManifest},
			{Name: "web", Order: 3, Manifest: testManifest},
		},
	}
	cat, err := catalog.New(v1, v2)
	require.NoError(t, err)
	return cat
}

type testServer struct {
	handler *Handler
	store   *store.SQLiteStore
	runtime *stubRuntime
	hub     *progress.Hub
}

func newTestServer(t *testing.T, authCfg apimiddleware.AuthConfig, checks map[string]Pinger) *testServer {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rt := newStubRuntime()
	hub := progress.NewHub(progress.DefaultBufferSize, nil)
	locks := deploy.NewLocks()
	cat := testCatalog(t)
	stacks := deploy.NewStackService(s, rt, locks, nil)
	products := deploy.NewProductService(s, stacks, cat, hub, locks,
		deploy.ProductConfig{StackTimeout: 5 * time.Second, ContinueOnError: true}, nil)

	if checks == nil {
		checks = map[string]Pinger{"database": s}
	}
	h := NewHandler(Config{
		Products: products,
		Stacks:   stacks,
		Health:   deploy.NewHealthService(s, rt, nil),
		Catalog:  cat,
		Progress: hub,
		Checks:   checks,
		Auth:     authCfg,
	})
	return &testServer{handler: h, store: s, runtime: rt, hub: hub}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.handler.Routes().ServeHTTP(w, req)
	return w
}

func (ts *testServer) deployShop(t *testing.T) deploy.ProductOperationResult {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/products", map[string]any{
		"environment_id":   "env-1",
		"product_id":       "shop",
		"shared_variables": map[string]string{"DB_PASSWORD": "hunter2", "REGION": "eu"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return parseResponse[deploy.ProductOperationResult](t, w.Body)
}

func parseResponse[T any](t *testing.T, body io.Reader) T {
	t.Helper()
	var result T
	require.NoError(t, json.NewDecoder(body).Decode(&result))
	return result
}

// =============================================================================
// Health Endpoint Tests
// =============================================================================

func TestHealth_Success(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)

	w := ts.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	resp := parseResponse[HealthResponse](t, w.Body)
	assert.Equal(t, "healthy", resp.Status)
}

func TestReady_AllHealthy(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)

	w := ts.do(t, http.MethodGet, "/ready", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ReadyResponse](t, w.Body)
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["database"])
}

func TestReady_DockerFailed(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, map[string]Pinger{
		"database": stubPinger{},
		"docker":   stubPinger{err: errors.New("unreachable")},
	})

	w := ts.do(t, http.MethodGet, "/ready", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := parseResponse[ReadyResponse](t, w.Body)
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["database"])
	assert.Equal(t, "failed", resp.Checks["docker"])
}

func TestMetrics_Exposed(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)
	ts.deployShop(t)

	w := ts.do(t, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "stackpilot_stack_operations_total")
}

// =============================================================================
// Catalog Tests
// =============================================================================

func TestListCatalog(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)

	w := ts.do(t, http.MethodGet, "/api/v1/catalog", nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[[]CatalogProductResponse](t, w.Body)
	require.Len(t, resp, 2)
	assert.Equal(t, "shop", resp[0].ID)
	assert.Equal(t, []string{"db", "api"}, resp[0].Stacks)
}

// =============================================================================
// Product Tests
// =============================================================================

func TestDeployProduct_Success(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)

	result := ts.deployShop(t)

	assert.True(t, result.Success)
	assert.Equal(t, domain.ProductStatusRunning, result.Status)
	require.Len(t, result.Stacks, 2)
	assert.Equal(t, "db", result.Stacks[0].StackName)
	assert.Equal(t, deploy.ActionDeploy, result.Stacks[0].Action)
	require.NotNil(t, result.Product)
	assert.Equal(t, "********", result.Product.SharedVariables["DB_PASSWORD"])
	assert.Equal(t, "eu", result.Product.SharedVariables["REGION"])
	assert.Equal(t, auth.AnonymousActor, result.Product.CreatedBy)
}

func TestDeployProduct_PartialFailureReported(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)
	ts.runtime.fail["api"] = errors.New("image pull failed")

	w := ts.do(t, http.MethodPost, "/api/v1/products", map[string]any{
		"environment_id": "env-1",
		"product_id":     "shop",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	result := parseResponse[deploy.ProductOperationResult](t, w.Body)
	assert.False(t, result.Success)
	assert.Equal(t, domain.ProductStatusPartiallyRunning, result.Status)
	assert.False(t, result.Stacks[1].Success)
	assert.Contains(t, result.Stacks[1].Error, "image pull failed")
}

func TestDeployProduct_UsesCallerIdentity(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/products", map[string]any{
		"environment_id": "env-1",
		"product_id":     "shop",
		"user_id":        "spoofed",
	}, auth.HeaderUserID, "ops-7")

	require.Equal(t, http.StatusCreated, w.Code)
	result := parseResponse[deploy.ProductOperationResult](t, w.Body)
	assert.Equal(t, "ops-7", result.Product.CreatedBy)
}

func TestDeployProduct_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"missing environment", map[string]any{"product_id": "shop"}, http.StatusBadRequest, "validation_error"},
		{"missing product", map[string]any{"environment_id": "env-1"}, http.StatusBadRequest, "validation_error"},
		{"unknown product", map[string]any{"environment_id": "env-1", "product_id": "nope"}, http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)
			w := ts.do(t, http.MethodPost, "/api/v1/products", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantErr, parseResponse[ErrorResponse](t, w.Body).Code)
		})
	}
}

func TestDeployProduct_InvalidJSON(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/products", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	ts.handler.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid JSON", parseResponse[ErrorResponse](t, w.Body).Error)
}

func TestDeployProduct_GroupAlreadyDeployed(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)
	ts.deployShop(t)

	w := ts.do(t, http.MethodPost, "/api/v1/products", map[string]any{
		"environment_id": "env-1",
		"product_id":     "shop-v2",
	})

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", parseResponse[ErrorResponse](t, w.Body).Code)
}

func TestGetProduct(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)
	result := ts.deployShop(t)

	w := ts.do(t, http.MethodGet, "/api/v1/products/"+result.ProductDeploymentID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	pd := parseResponse[domain.ProductDeployment](t, w.Body)
	assert.Equal(t, "shop", pd.ProductID)
	assert.Equal(t, 2, pd.CompletedStacks)
	assert.Equal(t, "********", pd.SharedVariables["DB_PASSWORD"])

	w = ts.do(t, http.MethodGet, "/api/v1/products/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListProducts(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)
	ts.deployShop(t)

	w := ts.do(t, http.MethodGet, "/api/v1/products?environment_id=env-1&status=running", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := parseResponse[ListProductsResponse](t, w.Body)
	assert.Len(t, resp.Products, 1)
	assert.Equal(t, 100, resp.Limit)

	w = ts.do(t, http.MethodGet, "/api/v1/products?environment_id=env-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = parseResponse[ListProductsResponse](t, w.Body)
	assert.Empty(t, resp.Products)
}

func TestUpgradeProduct(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)
	deployed := ts.deployShop(t)

	w := ts.do(t, http.MethodPost, "/api/v1/products/"+deployed.ProductDeploymentID+"/upgrade", map[string]any{
		"target_product_id": "shop-v2",
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := parseResponse[deploy.ProductOperationResult](t, w.Body)
	assert.True(t, result.Success)
	assert.Equal(t, "2.0.0", result.Product.ProductVersion)
	require.Len(t, result.Stacks, 3)
	assert.True(t, result.Stacks[2].IsNewInUpgrade)
}

func TestRollbackProduct_NothingToRollBack(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)
	deployed := ts.deployShop(t)

	w := ts.do(t, http.MethodPost, "/api/v1/products/"+deployed.ProductDeploymentID+"/rollback", nil)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRollbackProduct_AfterFailedUpgrade(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)
	deployed := ts.deployShop(t)
	ts.runtime.fail["web"] = errors.New("boom")

	w := ts.do(t, http.MethodPost, "/api/v1/products/"+deployed.ProductDeploymentID+"/upgrade", map[string]any{
		"target_product_id": "shop-v2",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, parseResponse[deploy.ProductOperationResult](t, w.Body).Success)

	w = ts.do(t, http.MethodPost, "/api/v1/products/"+deployed.ProductDeploymentID+"/rollback", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := parseResponse[deploy.ProductOperationResult](t, w.Body)
	assert.Equal(t, "rollback", result.Operation)
	assert.Equal(t, "1.0.0", result.Product.ProductVersion)
}

func TestRemoveProduct(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)
	deployed := ts.deployShop(t)

	w := ts.do(t, http.MethodDelete, "/api/v1/products/"+deployed.ProductDeploymentID, nil)

	require.Equal(t, http.StatusOK, w.Code)
	result := parseResponse[deploy.ProductOperationResult](t, w.Body)
	assert.True(t, result.Success)
	assert.Equal(t, domain.ProductStatusRemoved, result.Status)
	require.Len(t, result.Stacks, 2)
	assert.Equal(t, "api", result.Stacks[0].StackName)
	assert.Equal(t, deploy.ActionRemove, result.Stacks[0].Action)

	w = ts.do(t, http.MethodDelete, "/api/v1/products/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Deployment Tests
// =============================================================================

func TestGetDeployment(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)
	deployed := ts.deployShop(t)
	depID := deployed.Stacks[0].DeploymentID

	w := ts.do(t, http.MethodGet, "/api/v1/deployments/"+depID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	d := parseResponse[domain.Deployment](t, w.Body)
	assert.Equal(t, domain.StatusRunning, d.Status)
	assert.Equal(t, "********", d.Variables["DB_PASSWORD"])
	assert.Equal(t, "eu", d.Variables["REGION"])

	w = ts.do(t, http.MethodGet, "/api/v1/deployments/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaintenance(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)
	deployed := ts.deployShop(t)
	path := "/api/v1/deployments/" + deployed.Stacks[0].DeploymentID + "/maintenance"

	w := ts.do(t, http.MethodPost, path, MaintenanceRequest{Reason: "disk swap"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.OperationModeMaintenance, parseResponse[domain.Deployment](t, w.Body).OperationMode)

	w = ts.do(t, http.MethodPost, path, MaintenanceRequest{Reason: "again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.OperationModeNormal, parseResponse[domain.Deployment](t, w.Body).OperationMode)

	w = ts.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDeploymentHealth(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)
	deployed := ts.deployShop(t)
	path := "/api/v1/deployments/" + deployed.Stacks[0].DeploymentID + "/health"

	w := ts.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	captured := parseResponse[domain.HealthSnapshot](t, w.Body)
	assert.Equal(t, domain.HealthStatusHealthy, captured.Overall)

	w = ts.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, captured.ID, parseResponse[domain.HealthSnapshot](t, w.Body).ID)

	w = ts.do(t, http.MethodGet, path+"/history?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := parseResponse[HealthHistoryResponse](t, w.Body)
	assert.Len(t, history.Snapshots, 1)
}

func TestDeploymentHealth_RemovedDeployment(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)
	deployed := ts.deployShop(t)
	ts.do(t, http.MethodDelete, "/api/v1/products/"+deployed.ProductDeploymentID, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/deployments/"+deployed.Stacks[0].DeploymentID+"/health", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

// =============================================================================
// Auth Tests
// =============================================================================

func TestAPI_SharedSecretRequired(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{SharedSecret: "gate"}, nil)

	w := ts.do(t, http.MethodGet, "/api/v1/products", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/products", nil, auth.HeaderGatewaySecret, "gate")
	assert.Equal(t, http.StatusOK, w.Code)

	// Health endpoints stay open
	w = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// =============================================================================
// Progress Tests
// =============================================================================

func TestProgress_WebSocket(t *testing.T) {
	ts := newTestServer(t, apimiddleware.AuthConfig{}, nil)
	srv := httptest.NewServer(ts.handler.Routes())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/progress/sess-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.hub.Subscribers("sess-1") == 1 },
		2*time.Second, 10*time.Millisecond)

	ts.hub.Publish("sess-1", progress.PhaseCompleted, "done", 100)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev progress.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, progress.PhaseCompleted, ev.Phase)
	assert.Equal(t, 100, ev.Percent)
}
