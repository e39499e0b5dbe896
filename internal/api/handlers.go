package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/O1Intake/internal/criteria"
	"github.com/BTreeMap/O1Intake/internal/docstore"
	"github.com/BTreeMap/O1Intake/internal/extraction"
	"github.com/BTreeMap/O1Intake/internal/fieldvalue"
	"github.com/BTreeMap/O1Intake/internal/flow"
	"github.com/BTreeMap/O1Intake/internal/models"
	"github.com/BTreeMap/O1Intake/internal/oracle"
)

type chatRequest struct {
	Message string `json:"message"`
}

type editRequest struct {
	CriterionID string `json:"criterion_id"`
	Field       string `json:"field"`
	Value       any    `json:"value"`
}

// turnView is the body returned for every conversation turn.
type turnView struct {
	SessionID   string               `json:"session_id"`
	Message     string               `json:"message"`
	Phase       models.Phase         `json:"phase"`
	Changed     []string             `json:"changed,omitempty"`
	Malformed   bool                 `json:"malformed,omitempty"`
	Completed   bool                 `json:"completed,omitempty"`
	Finalized   []models.FinalRecord `json:"finalized,omitempty"`
	Progress    models.Progress      `json:"progress"`
	Missing     map[string][]string  `json:"missing_fields"`
	Uploads     []string             `json:"uploads,omitempty"`
	Retryable   bool                 `json:"retryable,omitempty"`
	Diagnostics int                  `json:"diagnostics,omitempty"`
}

// stateView is the database-ready view of a session.
type stateView struct {
	SessionID string                     `json:"session_id"`
	Phase     models.Phase               `json:"phase"`
	Instances []models.CriterionInstance `json:"instances"`
	Turns     []models.Turn              `json:"turns"`
	Uploads   []string                   `json:"uploads,omitempty"`
	Progress  models.Progress            `json:"progress"`
	Missing   map[string][]string        `json:"missing_fields"`
	Finalized []models.FinalRecord       `json:"finalized,omitempty"`
}

func (s *Server) turnView(res flow.TurnResult) turnView {
	v := turnView{
		SessionID:   res.SessionID,
		Message:     res.Message,
		Phase:       res.Phase,
		Changed:     res.Changed,
		Malformed:   res.Malformed,
		Completed:   res.Completed,
		Finalized:   res.Finalized,
		Progress:    res.Progress,
		Diagnostics: len(res.Diagnostics),
	}
	if res.State != nil {
		v.Missing = s.conv.GlobalMissing(res.State)
		v.Uploads = res.State.Uploads
	}
	return v
}

// writeError maps driver errors onto HTTP statuses. Oracle failures carry the
// inline chat message so clients can show it as an assistant turn.
func writeError(w http.ResponseWriter, sessionID string, err error) {
	var (
		turnErr  *flow.TurnError
		validErr *fieldvalue.ValidationError
	)
	switch {
	case errors.As(err, &turnErr):
		status := http.StatusInternalServerError
		if turnErr.Retryable() {
			status = http.StatusServiceUnavailable
		}
		writeJSONResponse(w, status, models.ErrorWithResult(err.Error(), turnView{
			SessionID: sessionID,
			Message:   turnErr.UserMessage(),
			Retryable: turnErr.Retryable(),
		}))
	case errors.Is(err, oracle.ErrOracleUnavailable):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.ErrorWithResult(err.Error(), turnView{
			SessionID: sessionID,
			Message:   flow.OracleFailureMessage,
			Retryable: true,
		}))
	case errors.Is(err, flow.ErrEmptyTurn),
		errors.Is(err, flow.ErrUnknownField),
		errors.Is(err, criteria.ErrUnknownCriterion),
		errors.Is(err, docstore.ErrNoFiles),
		errors.As(err, &validErr):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.Is(err, flow.ErrSessionNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
	case errors.Is(err, flow.ErrSessionFinalized), errors.Is(err, flow.ErrTurnInProgress):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	case errors.Is(err, flow.ErrNoDocumentStore):
		writeJSONResponse(w, http.StatusNotImplemented, models.Error(err.Error()))
	case errors.Is(err, docstore.ErrIndexFailed):
		writeJSONResponse(w, http.StatusBadGateway, models.Error(err.Error()))
	default:
		slog.Error("Server.writeError: request failed", "sessionID", sessionID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Warn("Server.decodeJSON: failed to decode JSON", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

// criteriaHandler returns the criteria schema (GET /api/criteria).
func (s *Server) criteriaHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.conv.Registry().All()))
}

// initHandler initializes the session and returns the greeting (POST /api/init).
// A session already past its first turn is returned as is.
func (s *Server) initHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := s.ensureSession(w, r)
	state, err := s.conv.Init(r.Context(), sessionID)
	if err != nil {
		writeError(w, sessionID, err)
		return
	}
	if state.Phase != models.PhaseAwaitingFirstTurn {
		slog.Debug("Server.initHandler: session already started", "sessionID", sessionID, "phase", state.Phase)
		writeJSONResponse(w, http.StatusOK, models.Success(turnView{
			SessionID: sessionID,
			Message:   lastAssistantMessage(state),
			Phase:     state.Phase,
			Progress:  s.conv.Progress(state),
			Missing:   s.conv.GlobalMissing(state),
			Uploads:   state.Uploads,
			Finalized: state.Finalized,
		}))
		return
	}
	res, err := s.conv.ProcessTurn(r.Context(), sessionID, extraction.SentinelInit)
	if err != nil {
		writeError(w, sessionID, err)
		return
	}
	slog.Info("Server.initHandler: session greeted", "sessionID", sessionID)
	writeJSONResponse(w, http.StatusOK, models.Success(s.turnView(res)))
}

func lastAssistantMessage(state *models.ConversationState) string {
	for i := len(state.Turns) - 1; i >= 0; i-- {
		if state.Turns[i].Role == models.RoleAssistant {
			return state.Turns[i].Content
		}
	}
	return ""
}

// chatHandler runs one user turn (POST /api/chat).
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sessionID := s.ensureSession(w, r)
	res, err := s.conv.ProcessTurn(r.Context(), sessionID, req.Message)
	if err != nil {
		writeError(w, sessionID, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.turnView(res)))
}

// uploadHandler indexes multipart "files" and runs the upload turn (POST /api/upload).
func (s *Server) uploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		slog.Warn("Server.uploadHandler: failed to parse multipart form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid multipart upload"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("No files provided"))
		return
	}
	files := make([]docstore.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			slog.Error("Server.uploadHandler: failed to open part", "file", fh.Filename, "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read uploaded file"))
			return
		}
		defer f.Close()
		files = append(files, docstore.File{Name: fh.Filename, Reader: f})
	}

	sessionID := s.ensureSession(w, r)
	res, err := s.conv.NotifyUpload(r.Context(), sessionID, files)
	if err != nil {
		writeError(w, sessionID, err)
		return
	}
	slog.Info("Server.uploadHandler: files indexed", "sessionID", sessionID, "count", len(files))
	writeJSONResponse(w, http.StatusOK, models.Success(s.turnView(res)))
}

// editHandler replaces one field value (POST /api/edit).
func (s *Server) editHandler(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sessionID := sessionFromRequest(r)
	if sessionID == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error(flow.ErrSessionNotFound.Error()))
		return
	}
	if req.CriterionID == "" || req.Field == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: criterion_id, field"))
		return
	}
	state, err := s.conv.EditField(r.Context(), sessionID, req.CriterionID, req.Field, req.Value)
	if err != nil {
		writeError(w, sessionID, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Field updated", s.stateView(state)))
}

func (s *Server) stateView(state *models.ConversationState) stateView {
	return stateView{
		SessionID: state.SessionID,
		Phase:     state.Phase,
		Instances: state.OrderedInstances(s.conv.Registry()),
		Turns:     state.Turns,
		Uploads:   state.Uploads,
		Progress:  s.conv.Progress(state),
		Missing:   s.conv.GlobalMissing(state),
		Finalized: state.Finalized,
	}
}

// stateHandler returns the session state (GET /api/state).
func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionFromRequest(r)
	if sessionID == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error(flow.ErrSessionNotFound.Error()))
		return
	}
	state, err := s.conv.Snapshot(r.Context(), sessionID)
	if err != nil {
		writeError(w, sessionID, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.stateView(state)))
}

// recordsHandler returns finalized records (GET /api/records). An incomplete
// session has none.
func (s *Server) recordsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionFromRequest(r)
	if sessionID == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error(flow.ErrSessionNotFound.Error()))
		return
	}
	records, err := s.conv.Records(r.Context(), sessionID)
	if err != nil {
		writeError(w, sessionID, err)
		return
	}
	if records == nil {
		records = []models.FinalRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.st.GetReceipts()
	if err != nil {
		slog.Error("Server.receiptsHandler: failed to fetch receipts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch receipts"))
		return
	}
	slog.Debug("Server.receiptsHandler: receipts fetched", "count", len(receipts))
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

// responsesHandler returns inbound chat messages (GET /responses).
func (s *Server) responsesHandler(w http.ResponseWriter, r *http.Request) {
	responses, err := s.st.GetResponses()
	if err != nil {
		slog.Error("Server.responsesHandler: failed to fetch responses", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch responses"))
		return
	}
	slog.Debug("Server.responsesHandler: responses fetched", "count", len(responses))
	writeJSONResponse(w, http.StatusOK, models.Success(responses))
}

// healthHandler reports liveness and the session count.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"criteria":  len(s.conv.Registry().IDs()),
	}
	if sessions, err := s.st.ListSessions(r.Context()); err != nil {
		slog.Warn("Server.healthHandler: failed to list sessions", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to reach session store"
	} else {
		healthData["sessions"] = len(sessions)
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}
