package routers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"StoryBeat-server/ledger"
	"StoryBeat-server/library"
	"StoryBeat-server/models"
	"StoryBeat-server/planner"
	"StoryBeat-server/provider"
	"StoryBeat-server/routers/api"
	"StoryBeat-server/service"
	"StoryBeat-server/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instantProvider 提交后立即成功
type instantProvider struct {
	mu  sync.Mutex
	seq int
}

func (p *instantProvider) Name() string     { return models.ProviderWorker }
func (p *instantProvider) MaxInFlight() int { return 0 }

func (p *instantProvider) Submit(context.Context, provider.SubmitRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return fmt.Sprintf("job-%d", p.seq), nil
}

func (p *instantProvider) Poll(_ context.Context, jobID string) (provider.PollResult, error) {
	return provider.PollResult{Status: provider.JobSucceeded, ResultURL: "https://cdn.example.com/" + jobID + ".mp4", DurationSeconds: 5}, nil
}

func (p *instantProvider) Cancel(context.Context, string) (bool, error) { return false, nil }

func newTestRouter(t *testing.T) (*gin.Engine, *api.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.New(store.NewMemoryBackend())
	l := ledger.NewMemoryLedger()
	reg := provider.NewRegistry()
	reg.Register(&instantProvider{}, provider.Limits{})

	opts := service.DefaultOptions()
	opts.BackoffBase, opts.BackoffMax, opts.PollInterval = time.Millisecond, time.Millisecond, time.Millisecond
	orch := service.NewOrchestrator(st, l, reg, opts)
	sched := service.NewLocalScheduler(2, 16)
	orch.SetScheduler(sched)
	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx, orch.RunClip)
	t.Cleanup(func() {
		cancel()
		_ = sched.Wait()
	})

	lib := library.New(nil)
	catalog, err := planner.NewCatalog(planner.DefaultTemplates())
	require.NoError(t, err)
	h := &api.Handler{
		Orchestrator: orch,
		Store:        st,
		Ledger:       l,
		Library:      lib,
		Planner:      planner.New(lib, planner.DefaultPricing()),
		Catalog:      catalog,
	}
	return InitRouter(h), h
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func montagePlan(t *testing.T, r http.Handler) models.CompositionPlan {
	t.Helper()
	w := do(t, r, http.MethodPost, "/v1/api/beats/beat-1/plans", gin.H{
		"template_id": "montage",
		"settings":    gin.H{"durationSeconds": 5, "resolution": "720p", "provider": "worker"},
		"beat":        gin.H{"title": "Arrival", "description": "the city wakes up"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[struct {
		Plan models.CompositionPlan `json:"plan"`
	}](t, w).Plan
}

func TestTemplates(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(t, r, http.MethodGet, "/v1/api/templates?category=dialogue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[struct {
		Templates []models.CompositionTemplate `json:"templates"`
	}](t, w)
	require.Len(t, resp.Templates, 1)
	assert.Equal(t, "dialogue-two-shot", resp.Templates[0].ID)
}

func TestCharacterEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)
	upload := gin.H{"kind": "uploaded", "upload": gin.H{"original_filename": "mira.png"}}

	w := do(t, r, http.MethodPost, "/v1/api/characters", gin.H{
		"id":             "mira",
		"name":           "Mira",
		"base_reference": gin.H{"imageUrl": "https://img.example.com/mira.png", "generation": upload},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, r, http.MethodPost, "/v1/api/characters/mira/references", gin.H{
		"id": "mira-front", "imageUrl": "https://img.example.com/mira-front.png",
		"type": "angle", "tag": "front", "generation": upload,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, r, http.MethodPost, "/v1/api/characters/mira/references", gin.H{
		"id": "mira-front", "imageUrl": "https://img.example.com/other.png",
		"type": "angle", "tag": "front", "generation": upload,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "references are immutable")

	w = do(t, r, http.MethodGet, "/v1/api/characters/mira/resolve?type=angle&tag=front", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[struct {
		Resolution library.Resolution `json:"resolution"`
	}](t, w).Resolution
	assert.Equal(t, models.MatchExact, res.Match)
	assert.Equal(t, "mira-front", res.Reference.ID)

	w = do(t, r, http.MethodGet, "/v1/api/characters/mira/resolve?type=expression&tag=smile", nil)
	res = decode[struct {
		Resolution library.Resolution `json:"resolution"`
	}](t, w).Resolution
	assert.Equal(t, models.MatchBase, res.Match)

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/v1/api/characters/nobody", nil).Code)
}

func TestPlanRequiresCharacters(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(t, r, http.MethodPost, "/v1/api/beats/beat-1/plans", gin.H{
		"template_id": "single-hero",
		"settings":    gin.H{"durationSeconds": 5, "resolution": "720p", "provider": "worker"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	w = do(t, r, http.MethodPost, "/v1/api/beats/beat-1/plans", gin.H{"template_id": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProductionLifecycle(t *testing.T) {
	r, h := newTestRouter(t)
	plan := montagePlan(t, r)
	assert.Equal(t, int64(30), plan.EstimatedCredits)

	w := do(t, r, http.MethodPost, "/v1/api/beats/beat-1/productions", gin.H{"account_id": "acct", "plan": plan})
	assert.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())

	w = do(t, r, http.MethodPost, "/v1/api/accounts/acct/credits", gin.H{"amount": 100})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/v1/api/accounts/acct/credits", gin.H{"amount": -5}).Code)

	w = do(t, r, http.MethodPost, "/v1/api/beats/beat-1/productions", gin.H{"account_id": "acct", "plan": plan})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id := decode[struct {
		ProductionID string `json:"production_id"`
	}](t, w).ProductionID
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		p, err := h.Store.Get(context.Background(), id)
		return err == nil && p.Status == models.ProductionReady
	}, 2*time.Second, 5*time.Millisecond)

	w = do(t, r, http.MethodGet, "/v1/api/productions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		Production models.StoryBeatProduction `json:"production"`
	}](t, w).Production
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, int64(30), got.ActualCreditsUsed)

	w = do(t, r, http.MethodGet, "/v1/api/beats/beat-1/productions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, "/v1/api/productions/"+id+"/clips/0/regenerate", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/v1/api/productions/"+id+"/clips/x/regenerate", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/v1/api/productions/"+id+"/clips/9/regenerate", nil).Code)

	w = do(t, r, http.MethodPut, "/v1/api/productions/"+id+"/clips/1/rating", gin.H{"rating": 4})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPut, "/v1/api/productions/"+id+"/clips/1/rating", gin.H{"rating": 8}).Code)

	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, "/v1/api/productions/"+id+"/complete", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/v1/api/productions/"+id+"/timeline", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/v1/api/productions/"+id+"/complete", nil).Code)
	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, "/v1/api/productions/"+id+"/cancel", nil).Code)

	w = do(t, r, http.MethodGet, "/v1/api/accounts/acct/credits?entries=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	acc := decode[struct {
		Account models.CreditAccount `json:"account"`
		Entries []models.CreditEntry `json:"entries"`
	}](t, w)
	assert.Equal(t, int64(70), acc.Account.Available)
	assert.Equal(t, int64(30), acc.Account.Spent)
	assert.NotEmpty(t, acc.Entries)
}

func TestStartProductionRejectsMismatchedBeat(t *testing.T) {
	r, _ := newTestRouter(t)
	plan := montagePlan(t, r)
	w := do(t, r, http.MethodPost, "/v1/api/beats/other-beat/productions", gin.H{"account_id": "acct", "plan": plan})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	plan.EstimatedCredits++
	w = do(t, r, http.MethodPost, "/v1/api/beats/beat-1/productions", gin.H{"account_id": "acct", "plan": plan})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestProgressWebSocket(t *testing.T) {
	r, h := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	require.NoError(t, h.Ledger.Deposit(context.Background(), "acct", 100))
	id, err := h.Orchestrator.StartProduction(context.Background(), "acct", montagePlan(t, r))
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/productions/" + id + "/wss"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	last := -1
	for {
		var msg struct {
			Status   models.ProductionStatus `json:"status"`
			Progress int                     `json:"progress"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		assert.GreaterOrEqual(t, msg.Progress, last, "progress never goes backwards")
		last = msg.Progress
		if msg.Status == models.ProductionReady {
			break
		}
	}
	assert.Equal(t, 100, last)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/productions/missing/wss", nil)
	assert.Error(t, err)
}

func TestProgressWebSocketAfterSettle(t *testing.T) {
	r, h := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx := context.Background()
	require.NoError(t, h.Ledger.Deposit(ctx, "acct", 100))
	id, err := h.Orchestrator.StartProduction(ctx, "acct", montagePlan(t, r))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p, err := h.Store.Get(ctx, id)
		return err == nil && p.Status == models.ProductionReady
	}, 3*time.Second, 2*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/productions/"+id+"/wss", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var msg struct {
		Status   models.ProductionStatus `json:"status"`
		Progress int                     `json:"progress"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, models.ProductionReady, msg.Status)
	assert.Equal(t, 100, msg.Progress)

	// 已结束的项目推完快照就断开
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
