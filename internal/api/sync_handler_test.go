package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/mailsync/internal/db"
	"github.com/vdavid/vmail/mailsync/internal/imap"
	"github.com/vdavid/vmail/mailsync/internal/mailsync"
	"github.com/vdavid/vmail/mailsync/internal/models"
)

type fakeSyncer struct {
	result   *models.SyncResult
	statuses []models.FolderStatus
	err      error

	gotAccount string
	gotFolder  string
	gotMode    models.SyncMode
}

func (f *fakeSyncer) TriggerSync(_ context.Context, accountID, folderID string, mode models.SyncMode) (*models.SyncResult, error) {
	f.gotAccount, f.gotFolder, f.gotMode = accountID, folderID, mode
	return f.result, f.err
}

func (f *fakeSyncer) FolderStatuses(_ context.Context, accountID string) ([]models.FolderStatus, error) {
	f.gotAccount = accountID
	return f.statuses, f.err
}

func TestSyncHandler_PostSync(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		body        string
		syncer      *fakeSyncer
		wantStatus  int
		checkResult func(*testing.T, *fakeSyncer, *httptest.ResponseRecorder)
	}{
		{
			name:   "returns messages and uidNext",
			method: http.MethodPost,
			body:   `{"accountId":"acc","folderId":"acc:INBOX","mode":"new"}`,
			syncer: &fakeSyncer{result: &models.SyncResult{
				Mode:     models.SyncModeNew,
				Messages: []*models.Message{{ID: "acc|acc:INBOX|103", UID: 103}},
				Folder:   models.FolderStatus{FolderID: "acc:INBOX", UIDNext: 104},
			}},
			wantStatus: http.StatusOK,
			checkResult: func(t *testing.T, f *fakeSyncer, rr *httptest.ResponseRecorder) {
				assert.Equal(t, "acc", f.gotAccount)
				assert.Equal(t, "acc:INBOX", f.gotFolder)
				assert.Equal(t, models.SyncModeNew, f.gotMode)

				var resp syncResponse
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
				assert.Equal(t, uint32(104), resp.UIDNext)
				require.Len(t, resp.Messages, 1)
				assert.Equal(t, uint32(103), resp.Messages[0].UID)
			},
		},
		{
			name:       "defaults to recent mode with an empty message list",
			method:     http.MethodPost,
			body:       `{"accountId":"acc","folderId":"acc:INBOX"}`,
			syncer:     &fakeSyncer{result: &models.SyncResult{Folder: models.FolderStatus{UIDNext: 1}}},
			wantStatus: http.StatusOK,
			checkResult: func(t *testing.T, f *fakeSyncer, rr *httptest.ResponseRecorder) {
				assert.Equal(t, models.SyncModeRecent, f.gotMode)
				assert.Contains(t, rr.Body.String(), `"messages":[]`)
			},
		},
		{
			name:       "rejects unknown mode",
			method:     http.MethodPost,
			body:       `{"accountId":"acc","folderId":"acc:INBOX","mode":"everything"}`,
			syncer:     &fakeSyncer{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "rejects missing folder",
			method:     http.MethodPost,
			body:       `{"accountId":"acc"}`,
			syncer:     &fakeSyncer{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "rejects malformed body",
			method:     http.MethodPost,
			body:       `{`,
			syncer:     &fakeSyncer{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "rejects GET",
			method:     http.MethodGet,
			syncer:     &fakeSyncer{},
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:   "transport failures are 502 with their kind",
			method: http.MethodPost,
			body:   `{"accountId":"acc","folderId":"acc:INBOX","mode":"full"}`,
			syncer: &fakeSyncer{err: &mailsync.SyncError{
				Kind: mailsync.KindTransport,
				Op:   "connect",
				Err:  errors.New("connection refused"),
			}},
			wantStatus: http.StatusBadGateway,
			checkResult: func(t *testing.T, _ *fakeSyncer, rr *httptest.ResponseRecorder) {
				var resp errorResponse
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
				assert.Equal(t, mailsync.KindTransport, resp.Kind)
				assert.Equal(t, "connect: connection refused", resp.Error)
			},
		},
		{
			name:   "protocol failures are 422",
			method: http.MethodPost,
			body:   `{"accountId":"acc","folderId":"acc:Missing"}`,
			syncer: &fakeSyncer{err: &mailsync.SyncError{
				Kind: mailsync.KindProtocol,
				Op:   "sync acc:Missing",
				Err:  fmt.Errorf("failed to select: %w: %w", imap.ErrProtocol, errors.New("no such mailbox")),
			}},
			wantStatus: http.StatusUnprocessableEntity,
			checkResult: func(t *testing.T, _ *fakeSyncer, rr *httptest.ResponseRecorder) {
				assert.Contains(t, rr.Body.String(), `"kind":"protocol"`)
			},
		},
		{
			name:   "unknown account is 404",
			method: http.MethodPost,
			body:   `{"accountId":"nobody","folderId":"nobody:INBOX"}`,
			syncer: &fakeSyncer{err: &mailsync.SyncError{
				Kind: mailsync.KindUnknown,
				Op:   "load account",
				Err:  db.ErrAccountNotFound,
			}},
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewSyncHandler(tt.syncer)
			req := httptest.NewRequest(tt.method, "/api/v1/sync", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()

			handler.PostSync(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.checkResult != nil {
				tt.checkResult(t, tt.syncer, rr)
			}
		})
	}
}

func TestSyncHandler_GetFolderStatuses(t *testing.T) {
	t.Run("returns statuses", func(t *testing.T) {
		syncer := &fakeSyncer{statuses: []models.FolderStatus{
			{FolderID: "acc:INBOX", UIDNext: 10, Exists: 9, Unseen: 2},
		}}
		handler := NewSyncHandler(syncer)

		rr := httptest.NewRecorder()
		handler.GetFolderStatuses(rr, httptest.NewRequest(http.MethodGet, "/api/v1/folders/status?account=acc", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "acc", syncer.gotAccount)
		assert.JSONEq(t, `[{"folderId":"acc:INBOX","uidNext":10,"exists":9,"unseen":2}]`, rr.Body.String())
	})

	t.Run("requires account", func(t *testing.T) {
		handler := NewSyncHandler(&fakeSyncer{})

		rr := httptest.NewRecorder()
		handler.GetFolderStatuses(rr, httptest.NewRequest(http.MethodGet, "/api/v1/folders/status", nil))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("reports failures", func(t *testing.T) {
		handler := NewSyncHandler(&fakeSyncer{err: &mailsync.SyncError{
			Kind: mailsync.KindTransport,
			Op:   "status sweep",
			Err:  errors.New("i/o timeout"),
		}})

		rr := httptest.NewRecorder()
		handler.GetFolderStatuses(rr, httptest.NewRequest(http.MethodGet, "/api/v1/folders/status?account=acc", nil))

		assert.Equal(t, http.StatusBadGateway, rr.Code)
	})
}
