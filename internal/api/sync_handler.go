package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/vdavid/vmail/mailsync/internal/models"
)

// Syncer runs explicit sync passes and status sweeps.
type Syncer interface {
	TriggerSync(ctx context.Context, accountID, folderID string, mode models.SyncMode) (*models.SyncResult, error)
	FolderStatuses(ctx context.Context, accountID string) ([]models.FolderStatus, error)
}

// SyncHandler serves explicit user-driven syncs such as "check for new mail".
type SyncHandler struct {
	syncer Syncer
}

// NewSyncHandler creates a new SyncHandler instance.
func NewSyncHandler(syncer Syncer) *SyncHandler {
	return &SyncHandler{syncer: syncer}
}

type syncRequest struct {
	AccountID string `json:"accountId"`
	FolderID  string `json:"folderId"`
	Mode      string `json:"mode"`
}

type syncResponse struct {
	Messages []*models.Message `json:"messages"`
	UIDNext  uint32            `json:"uidNext"`
}

// PostSync handles POST /api/v1/sync.
func (h *SyncHandler) PostSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	req.AccountID = strings.TrimSpace(req.AccountID)
	req.FolderID = strings.TrimSpace(req.FolderID)
	if req.AccountID == "" || req.FolderID == "" {
		writeBadRequest(w, "accountId and folderId are required")
		return
	}

	mode, ok := models.ParseSyncMode(req.Mode)
	if !ok {
		writeBadRequest(w, "mode must be one of full, recent, new")
		return
	}

	result, err := h.syncer.TriggerSync(r.Context(), req.AccountID, req.FolderID, mode)
	if err != nil {
		log.Printf("SyncHandler: sync of %s failed: %v", req.FolderID, err)
		writeError(w, err)
		return
	}

	messages := result.Messages
	if messages == nil {
		messages = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, syncResponse{Messages: messages, UIDNext: result.Folder.UIDNext})
}

// GetFolderStatuses handles GET /api/v1/folders/status?account=.
func (h *SyncHandler) GetFolderStatuses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accountID := strings.TrimSpace(r.URL.Query().Get("account"))
	if accountID == "" {
		writeBadRequest(w, "account is required")
		return
	}

	statuses, err := h.syncer.FolderStatuses(r.Context(), accountID)
	if err != nil {
		log.Printf("SyncHandler: status sweep for account %s failed: %v", accountID, err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statuses)
}
