package delivery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Vovarama1992/go-utils/logger"
	"github.com/Vovarama1992/whoisalice/internal/catalog"
	"github.com/Vovarama1992/whoisalice/internal/publisher"
	"github.com/Vovarama1992/whoisalice/internal/tasks"
	"github.com/Vovarama1992/whoisalice/internal/user"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type Submitter interface {
	Submit(ctx context.Context, req publisher.SubmitRequest) (publisher.SubmitResponse, error)
}

type TaskReader interface {
	Get(ctx context.Context, viewer user.User, id uuid.UUID) (tasks.Task, error)
	List(ctx context.Context, viewer user.User, limit int) ([]tasks.Task, error)
}

type PredictHandler struct {
	pub      Submitter
	status   TaskReader
	maxAudio int64
	log      *logger.ZapLogger
}

func NewPredictHandler(pub Submitter, status TaskReader, maxAudio int64, log *logger.ZapLogger) *PredictHandler {
	return &PredictHandler{pub: pub, status: status, maxAudio: maxAudio, log: log}
}

// Submit — JSON с текстом или multipart с аудиофайлом
func (h *PredictHandler) Submit(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())

	req := publisher.SubmitRequest{UserID: u.ID}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		id, err := uuid.Parse(key)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Idempotency-Key must be a uuid")
			return
		}
		req.IdempotencyKey = id
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxAudio+1<<20)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			h.log.Log(logger.LogEntry{Level: "warn", Message: "invalid multipart", Error: err, Service: service})
			writeError(w, http.StatusBadRequest, "invalid multipart: "+err.Error())
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing file")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read file")
			return
		}
		req.ModelName = r.FormValue("model_name")
		req.InputKind = catalog.DataKind(r.FormValue("input_kind"))
		if req.InputKind == "" {
			req.InputKind = catalog.KindAudio
		}
		req.Payload = data
	} else {
		var body struct {
			ModelName string `json:"model_name"`
			InputKind string `json:"input_kind"`
			Text      string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
			return
		}
		req.ModelName = body.ModelName
		req.InputKind = catalog.DataKind(body.InputKind)
		if req.InputKind == "" {
			req.InputKind = catalog.KindText
		}
		req.Payload = []byte(body.Text)
	}

	resp, err := h.pub.Submit(r.Context(), req)
	if err != nil {
		// задача сохранена, клиент может повторить с тем же ключом
		if errors.Is(err, publisher.ErrEnqueue) && resp.TaskID != uuid.Nil {
			h.log.Log(logger.LogEntry{Level: "error", Message: "enqueue failed", Error: err, Service: service})
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":   "queue unavailable, retry later",
				"task_id": resp.TaskID,
				"status":  resp.Status,
			})
			return
		}
		fail(w, h.log, "submit failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *PredictHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t.View())
}

// Result — сырые байты результата
func (h *PredictHandler) Result(w http.ResponseWriter, r *http.Request) {
	t, ok := h.load(w, r)
	if !ok {
		return
	}
	if t.Status != tasks.StatusCompleted || t.Result == nil {
		writeJSON(w, http.StatusConflict, t.View())
		return
	}
	ct := t.Result.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(t.Result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(t.Result.Data)
}

func (h *PredictHandler) List(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFrom(r.Context())
	list, err := h.status.List(r.Context(), u, queryLimit(r))
	if err != nil {
		fail(w, h.log, "list tasks failed", err)
		return
	}
	out := make([]tasks.View, 0, len(list))
	for _, t := range list {
		out = append(out, t.View())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *PredictHandler) load(w http.ResponseWriter, r *http.Request) (tasks.Task, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task_id")
		return tasks.Task{}, false
	}
	u, _ := UserFrom(r.Context())
	t, err := h.status.Get(r.Context(), u, id)
	if err != nil {
		fail(w, h.log, "load task failed", err)
		return tasks.Task{}, false
	}
	return t, true
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 200 {
		return 50
	}
	return n
}
