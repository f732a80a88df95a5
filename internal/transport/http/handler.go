package httptransport

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"netbox-avd-sync/internal/config"
	"netbox-avd-sync/internal/entity"
	"netbox-avd-sync/internal/service"
	syncsvc "netbox-avd-sync/internal/sync"
)

type Handler struct {
	tasks *service.TaskService
	cfg   config.RelayConfig
}

func NewHandler(tasks *service.TaskService, cfg config.RelayConfig) *Handler {
	return &Handler{tasks: tasks, cfg: cfg}
}

type webhookDTO struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type dispatchResp struct {
	RunID string `json:"run_id"`
	Event string `json:"event"`
}

type statusResp struct {
	Status   string `json:"status"`
	FileHash string `json:"file_hash"`
}

type reportResp struct {
	Status        string `json:"status"`
	ReportContent string `json:"report_content"`
}

type runResp struct {
	ID        string                 `json:"id"`
	Event     string                 `json:"event"`
	Status    entity.RunStatus       `json:"status"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     *string                `json:"error,omitempty"`
	CreatedAt string                 `json:"created_at"`
	UpdatedAt string                 `json:"updated_at"`
}

// Webhook godoc
// @Summary Receive an automation webhook
// @Description Verifies the HMAC-SHA512 signature, persists a task run and enqueues it for the background worker.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param X-Hook-Signature header string true "hex HMAC-SHA512 of the request body"
// @Param request body webhookDTO true "event payload (vlan_created, manual_sync, run_anta_test)"
// @Success 202 {object} dispatchResp
// @Failure 400 {object} apiError
// @Failure 403 {object} apiError
// @Router /webhook [post]
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !verifyHookSignature(h.cfg.WebhookSecret, body, r.Header.Get("X-Hook-Signature")) {
		writeErr(w, http.StatusForbidden, "invalid signature")
		return
	}

	var dto webhookDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	if dto.Event == entity.EventVLANCreated {
		var vlan syncsvc.VLANData
		if err := json.Unmarshal(dto.Data, &vlan); err != nil || vlan.DBID == 0 || vlan.TagID == 0 {
			writeErr(w, http.StatusBadRequest, "vlan_created requires vlan_db_id and vlan_tag_id")
			return
		}
	}

	id, err := h.tasks.Dispatch(r.Context(), dto.Event, dto.Data)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, dispatchResp{RunID: id.String(), Event: dto.Event})
}

// GiteaWebhook godoc
// @Summary Receive a Gitea push webhook
// @Description Verifies the HMAC-SHA256 signature and enqueues a repository update for pushes to the main branch. Pushes to other refs are acknowledged and ignored.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param X-Gitea-Signature header string true "hex HMAC-SHA256 of the request body"
// @Success 200 {object} map[string]string
// @Success 202 {object} dispatchResp
// @Failure 400 {object} apiError
// @Failure 403 {object} apiError
// @Router /gitea-webhook [post]
func (h *Handler) GiteaWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !verifyGiteaSignature(h.cfg.GiteaSecret, body, r.Header.Get("X-Gitea-Signature")) {
		writeErr(w, http.StatusForbidden, "invalid signature")
		return
	}

	var push struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(body, &push); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	if push.Ref != "refs/heads/main" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "ref": push.Ref})
		return
	}

	id, err := h.tasks.Dispatch(r.Context(), entity.EventRepoUpdate, nil)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, dispatchResp{RunID: id.String(), Event: entity.EventRepoUpdate})
}

// Status godoc
// @Summary Hash of the last recorded change job
// @Description Returns the SHA-256 of the status file written after each monitored change job. 404 until the first job has been recorded.
// @Tags state
// @Produce json
// @Success 200 {object} statusResp
// @Failure 404 {object} apiError
// @Router /status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(h.cfg.StatusFile)
	if err != nil {
		writeErr(w, http.StatusNotFound, "status file not found")
		return
	}

	sum := sha256.Sum256(data)
	writeJSON(w, http.StatusOK, statusResp{Status: "ok", FileHash: hex.EncodeToString(sum[:])})
}

// LatestReport godoc
// @Summary Latest fabric test report
// @Description Returns the markdown report produced by the test playbook. Always 200: a placeholder document is returned when no report exists yet.
// @Tags state
// @Produce json
// @Success 200 {object} reportResp
// @Router /latest-report [get]
func (h *Handler) LatestReport(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(h.cfg.ReportFile)
	if err != nil {
		name := filepath.Base(h.cfg.ReportFile)
		content := fmt.Sprintf("## Report Not Found\n\nThe report file (`%s`) was not found on the server.", name)
		writeJSON(w, http.StatusOK, reportResp{Status: "ok", ReportContent: content})
		return
	}
	writeJSON(w, http.StatusOK, reportResp{Status: "ok", ReportContent: string(data)})
}

// GetRun godoc
// @Summary Get task run by id
// @Tags runs
// @Produce json
// @Param id path string true "run id (uuid)"
// @Success 200 {object} runResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /runs/{id} [get]
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	run, err := h.tasks.GetRun(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusNotFound, "run not found")
		return
	}

	resp := runResp{
		ID:        run.ID.String(),
		Event:     run.Event,
		Status:    run.Status,
		Error:     run.Error,
		CreatedAt: run.CreatedAt.Format(time.RFC3339),
		UpdatedAt: run.UpdatedAt.Format(time.RFC3339),
	}
	if len(run.Payload) > 0 {
		_ = json.Unmarshal(run.Payload, &resp.Payload)
	}
	if run.Status == entity.RunDone && len(run.Output) > 0 {
		_ = json.Unmarshal(run.Output, &resp.Output)
	}

	writeJSON(w, http.StatusOK, resp)
}
