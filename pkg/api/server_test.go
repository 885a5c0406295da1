package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/auth"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/config"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/fleet"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestServer(t *testing.T, authn *auth.Authenticator) (*Server, *fleet.Service) {
	t.Helper()
	svc := fleet.New(nil, config.Default().Fleet)
	t.Cleanup(func() { svc.Close() })
	return New(svc, authn, Config{AllowedOrigins: []string{"*"}}), svc
}

func newTestAuthenticator(t *testing.T) *auth.Authenticator {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	return auth.NewAuthenticator(auth.NewJWTManager("api-test", time.Hour), []*models.Operator{
		{Username: "olivia", PasswordHash: string(hash), Role: models.RoleOperator},
		{Username: "vince", PasswordHash: string(hash), Role: models.RoleViewer},
	})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func registerAgent(t *testing.T, h http.Handler, hostname string, tags ...string) *models.Machine {
	t.Helper()
	rec := doJSON(t, h, "POST", "/api/v1/agents/register", models.RegistrationRequest{
		Hostname:     hostname,
		AgentVersion: "2.4.0",
		Tags:         tags,
	}, "")
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, rec.Code)

	var m models.Machine
	decode(t, rec, &m)
	return &m
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	registerAgent(t, s, "ws-01")

	rec := doJSON(t, s, "GET", "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["machines"])
}

func TestAgentRegistrationAndHeartbeat(t *testing.T) {
	s, svc := newTestServer(t, nil)

	rec := doJSON(t, s, "POST", "/api/v1/agents/register", models.RegistrationRequest{Hostname: "ws-01"}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var first models.Machine
	decode(t, rec, &first)
	assert.Equal(t, models.StatusOnline, first.Status)

	rec = doJSON(t, s, "POST", "/api/v1/agents/register", models.RegistrationRequest{Hostname: "WS-01", OSVersion: "11"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var again models.Machine
	decode(t, rec, &again)
	assert.Equal(t, first.ID, again.ID)

	rec = doJSON(t, s, "POST", "/api/v1/agents/register", models.RegistrationRequest{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	score := 91.5
	rec = doJSON(t, s, "POST", "/api/v1/agents/heartbeat", models.Heartbeat{
		MachineID:       first.ID,
		Status:          models.StatusMaintenance,
		ComplianceScore: &score,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ack map[string]bool
	decode(t, rec, &ack)
	assert.True(t, ack["acknowledged"])

	m, ok := svc.Registry.Get(first.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusMaintenance, m.Status)
	assert.Equal(t, 91.5, m.ComplianceScore)

	rec = doJSON(t, s, "POST", "/api/v1/agents/heartbeat", models.Heartbeat{MachineID: "nope"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	decode(t, rec, &ack)
	assert.False(t, ack["acknowledged"])

	rec = doJSON(t, s, "POST", "/api/v1/agents/heartbeat", models.Heartbeat{MachineID: first.ID, Status: "sleepy"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCommandsUnknownMachine(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doJSON(t, s, "GET", "/api/v1/agents/missing/commands", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeploymentLifecycle(t *testing.T) {
	s, svc := newTestServer(t, nil)
	web := registerAgent(t, s, "web-01", "prod")
	db := registerAgent(t, s, "db-01", "prod")
	registerAgent(t, s, "lab-01", "lab")

	rec := doJSON(t, s, "POST", "/api/v1/deployments", models.CreateDeploymentRequest{
		Name:            "baseline",
		PolicyPackageID: "pkg-cis",
		TargetTags:      []string{"prod"},
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var d models.RemoteDeployment
	decode(t, rec, &d)
	assert.Equal(t, models.PhasePending, d.Phase)
	assert.ElementsMatch(t, []string{web.ID, db.ID}, d.TargetMachines)

	rec = doJSON(t, s, "POST", "/api/v1/deployments/"+d.ID+"/execute", nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	svc.Orchestrator.Wait()

	rec = doJSON(t, s, "POST", "/api/v1/deployments/"+d.ID+"/execute", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, s, "GET", "/api/v1/agents/"+web.ID+"/commands", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cmds []models.AgentCommand
	decode(t, rec, &cmds)
	require.Len(t, cmds, 1)
	assert.Equal(t, models.CommandDeploy, cmds[0].CommandType)

	var payload models.DeployPayload
	require.NoError(t, json.Unmarshal(cmds[0].Payload, &payload))
	assert.Equal(t, d.ID, payload.DeploymentID)
	assert.Equal(t, "pkg-cis", payload.PolicyPackageID)

	// The mailbox is drained by the first poll
	rec = doJSON(t, s, "GET", "/api/v1/agents/"+web.ID+"/commands", nil, "")
	decode(t, rec, &cmds)
	assert.Empty(t, cmds)

	rec = doJSON(t, s, "POST", "/api/v1/agents/progress", models.DeploymentProgress{
		DeploymentID:    d.ID,
		MachineID:       web.ID,
		Phase:           models.PhaseCompleted,
		ProgressPercent: 100,
		PoliciesApplied: 12,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, "GET", "/api/v1/deployments/"+d.ID+"/summary", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary models.DeploymentSummary
	decode(t, rec, &summary)
	assert.Equal(t, models.PhaseCompleted, summary.Phase)
	assert.Equal(t, 2, summary.TotalMachines)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Pending)
	assert.Equal(t, 50.0, summary.OverallProgress)

	rec = doJSON(t, s, "GET", "/api/v1/deployments/"+d.ID+"/progress", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var records []models.DeploymentProgress
	decode(t, rec, &records)
	require.Len(t, records, 1)
	assert.Equal(t, web.ID, records[0].MachineID)

	m, _ := svc.Registry.Get(web.ID)
	assert.Equal(t, models.StatusOnline, m.Status)
	assert.Equal(t, 12, m.PoliciesApplied)
	m, _ = svc.Registry.Get(db.ID)
	assert.Equal(t, models.StatusDeploying, m.Status)
}

func TestDeploymentErrors(t *testing.T) {
	s, _ := newTestServer(t, nil)
	m := registerAgent(t, s, "ws-01")

	rec := doJSON(t, s, "POST", "/api/v1/deployments", models.CreateDeploymentRequest{Name: "nothing"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, "GET", "/api/v1/deployments/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, "GET", "/api/v1/deployments/missing/summary", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, "POST", "/api/v1/deployments/missing/execute", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, "GET", "/api/v1/deployments?status=bogus", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, "GET", "/api/v1/deployments?limit=0", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, "POST", "/api/v1/agents/progress", models.DeploymentProgress{MachineID: m.ID, Phase: models.PhaseApplying}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, "POST", "/api/v1/agents/progress", models.DeploymentProgress{
		DeploymentID: "missing", MachineID: m.ID, Phase: models.PhaseApplying,
	}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressFromUnknownMachine(t *testing.T) {
	s, _ := newTestServer(t, nil)
	registerAgent(t, s, "ws-01")

	rec := doJSON(t, s, "POST", "/api/v1/deployments", models.CreateDeploymentRequest{TargetAll: true}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var d models.RemoteDeployment
	decode(t, rec, &d)

	rec = doJSON(t, s, "POST", "/api/v1/agents/progress", models.DeploymentProgress{
		DeploymentID: d.ID, MachineID: "ghost", Phase: models.PhaseApplying,
	}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListDeploymentsNewestFirst(t *testing.T) {
	s, _ := newTestServer(t, nil)
	registerAgent(t, s, "ws-01")

	var ids []string
	for i := 0; i < 3; i++ {
		rec := doJSON(t, s, "POST", "/api/v1/deployments", models.CreateDeploymentRequest{TargetAll: true}, "")
		require.Equal(t, http.StatusCreated, rec.Code)
		var d models.RemoteDeployment
		decode(t, rec, &d)
		ids = append(ids, d.ID)
		time.Sleep(2 * time.Millisecond)
	}

	rec := doJSON(t, s, "GET", "/api/v1/deployments?limit=2", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.RemoteDeployment
	decode(t, rec, &list)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[1], list[1].ID)
}

func TestMachineEndpoints(t *testing.T) {
	s, svc := newTestServer(t, nil)
	a := registerAgent(t, s, "ws-01", "finance")
	b := registerAgent(t, s, "ws-02", "hr")

	rec := doJSON(t, s, "GET", "/api/v1/machines?tag=finance", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Machine
	decode(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	rec = doJSON(t, s, "GET", "/api/v1/machines?status=asleep", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, "POST", "/api/v1/machines/bulk", models.BulkTagRequest{
		MachineIDs: []string{a.ID, b.ID, "ghost"},
		AddGroups:  []string{"emea"},
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result models.BulkOperationResult
	decode(t, rec, &result)
	assert.Equal(t, 3, result.TotalCount)
	assert.Equal(t, 2, result.UpdatedCount)

	rec = doJSON(t, s, "GET", "/api/v1/machines?group=emea", nil, "")
	decode(t, rec, &list)
	assert.Len(t, list, 2)

	rec = doJSON(t, s, "POST", "/api/v1/machines/bulk", models.BulkTagRequest{AddTags: []string{"x"}}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doJSON(t, s, "POST", "/api/v1/machines/bulk", models.BulkTagRequest{MachineIDs: []string{a.ID}}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, "GET", "/api/v1/machines/"+a.ID, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, svc.Mailbox.Enqueue(a.ID, &models.AgentCommand{ID: "c1", MachineID: a.ID}))
	rec = doJSON(t, s, "DELETE", "/api/v1/machines/"+a.ID, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, svc.Mailbox.Pending(a.ID))

	rec = doJSON(t, s, "GET", "/api/v1/machines/"+a.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doJSON(t, s, "DELETE", "/api/v1/machines/"+a.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFleetStatistics(t *testing.T) {
	s, _ := newTestServer(t, nil)
	registerAgent(t, s, "ws-01")
	registerAgent(t, s, "ws-02")

	rec := doJSON(t, s, "GET", "/api/v1/fleet/statistics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.FleetStatistics
	decode(t, rec, &stats)
	assert.Equal(t, 2, stats.TotalMachines)
	assert.Equal(t, 2, stats.OnlineMachines)
}

func TestAuthDisabledLogin(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doJSON(t, s, "POST", "/api/v1/auth/login", models.LoginRequest{Username: "a", Password: "b"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func login(t *testing.T, h http.Handler, username string) string {
	t.Helper()
	rec := doJSON(t, h, "POST", "/api/v1/auth/login", models.LoginRequest{Username: username, Password: "s3cret"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.LoginResponse
	decode(t, rec, &resp)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestOperatorAuth(t *testing.T) {
	s, _ := newTestServer(t, newTestAuthenticator(t))

	// Agents never authenticate
	registerAgent(t, s, "ws-01")

	rec := doJSON(t, s, "GET", "/api/v1/machines", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, "POST", "/api/v1/auth/login", models.LoginRequest{Username: "olivia", Password: "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, "POST", "/api/v1/auth/login", models.LoginRequest{Username: "olivia"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	viewer := login(t, s, "vince")
	rec = doJSON(t, s, "GET", "/api/v1/machines", nil, viewer)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, s, "POST", "/api/v1/deployments", models.CreateDeploymentRequest{TargetAll: true}, viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	operator := login(t, s, "olivia")
	rec = doJSON(t, s, "POST", "/api/v1/deployments", models.CreateDeploymentRequest{TargetAll: true}, operator)
	require.Equal(t, http.StatusCreated, rec.Code)
	var d models.RemoteDeployment
	decode(t, rec, &d)
	assert.Equal(t, "olivia", d.CreatedBy)
}

func TestCORS(t *testing.T) {
	svc := fleet.New(nil, config.Default().Fleet)
	t.Cleanup(func() { svc.Close() })
	s := New(svc, nil, Config{AllowedOrigins: []string{"https://console.example.com"}})

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://console.example.com")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
