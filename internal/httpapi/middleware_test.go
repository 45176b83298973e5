package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/ledger"
)

func init() { gin.SetMode(gin.TestMode) }

var (
	testAccount = uuid.MustParse("7f0d2f5e-1111-4a2b-9c3d-000000000001")
	testVK      = uuid.MustParse("9b1de2c8-2222-4f5a-8d6e-000000000002")
)

// fakeStore scripts the ledger reads the API performs.
type fakeStore struct {
	vkErr      error
	balance    int64
	balanceErr error
	entries    []ledger.Entry
	entriesErr error

	gotFilter ledger.EntryFilter
}

func (f *fakeStore) DefaultVirtualKey(_ context.Context, accountID uuid.UUID) (ledger.VirtualKey, error) {
	if f.vkErr != nil {
		return ledger.VirtualKey{}, f.vkErr
	}
	return ledger.VirtualKey{
		ID:               testVK,
		BillingAccountID: accountID,
		Label:            "default",
		IsDefault:        true,
		Active:           true,
	}, nil
}

func (f *fakeStore) Balance(context.Context, uuid.UUID) (int64, error) {
	return f.balance, f.balanceErr
}

func (f *fakeStore) ListEntries(_ context.Context, _ uuid.UUID, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	f.gotFilter = filter
	return f.entries, f.entriesErr
}

// ── RequireAccount ──

func middlewareSetup(store AccountStore) *gin.Engine {
	r := gin.New()
	r.GET("/probe", RequireAccount(store), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"account": c.MustGet(ctxAccountID).(uuid.UUID).String(),
			"vk":      c.MustGet(ctxVirtualKeyID).(uuid.UUID).String(),
		})
	})
	return r
}

func probe(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	if header != "" {
		req.Header.Set(AccountHeader, header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAccount_MissingHeader(t *testing.T) {
	w := probe(middlewareSetup(&fakeStore{}), "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestRequireAccount_MalformedHeader(t *testing.T) {
	w := probe(middlewareSetup(&fakeStore{}), "not-a-uuid")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestRequireAccount_UnknownAccount(t *testing.T) {
	for _, storeErr := range []error{ledger.ErrVirtualKeyNotFound, ledger.ErrAccountNotFound} {
		w := probe(middlewareSetup(&fakeStore{vkErr: storeErr}), testAccount.String())
		if w.Code != http.StatusNotFound {
			t.Fatalf("%v: status = %d, want 404", storeErr, w.Code)
		}
	}
}

func TestRequireAccount_StoreFailure(t *testing.T) {
	w := probe(middlewareSetup(&fakeStore{vkErr: errors.New("pg down")}), testAccount.String())
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

func TestRequireAccount_StashesIdentity(t *testing.T) {
	w := probe(middlewareSetup(&fakeStore{}), testAccount.String())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var got map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got["account"] != testAccount.String() {
		t.Errorf("account = %s, want %s", got["account"], testAccount)
	}
	if got["vk"] != testVK.String() {
		t.Errorf("vk = %s, want %s", got["vk"], testVK)
	}
}

// ── RequestLogger ──

func TestRequestLogger_PassesThrough(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger(zap.NewNop()))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusOK || w.Body.String() != "pong" {
		t.Fatalf("got %d %q, want 200 pong", w.Code, w.Body.String())
	}
}
