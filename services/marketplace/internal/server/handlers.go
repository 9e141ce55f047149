package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"datamarket/internal/principal"
	"datamarket/pkg/domain"
	"datamarket/pkg/store"
	"datamarket/services/marketplace/internal/app"
)

// auth proxy

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.auth.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "marketplace.signup", "fail", "reason", err.Error())
		writeAuthError(w, err)
		return
	}
	s.audit(r, "marketplace.signup", "success", "user_id", sess.User.ID)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "marketplace.login", "fail", "reason", err.Error())
		writeAuthError(w, err)
		return
	}
	s.audit(r, "marketplace.login", "success", "user_id", sess.User.ID)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.auth.Logout(r.Context(), token, req.RefreshToken); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := principal.FromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user":  p.User,
		"admin": p.Admin,
	})
}

// marketplace

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	listings, err := s.app.ListListings(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": listings})
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	listing, err := s.app.GetListing(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// uploads

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	p, _ := principal.FromContext(r.Context())
	var req createUploadRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	owner, ok := s.actingAs(w, r, p, req.UserID)
	if !ok {
		return
	}
	upload, err := s.app.CreateUpload(r.Context(), app.CreateUploadInput{
		OwnerID:      owner,
		FileName:     req.FileName,
		MediaType:    req.FileType,
		SizeBytes:    req.FileSize,
		StoragePath:  req.StoragePath,
		TokensEarned: req.TokensEarned,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"upload":  upload,
		"message": "Upload recorded successfully",
	})
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	p, _ := principal.FromContext(r.Context())
	if !s.allowRate(w, r, s.uploadLimiter, "uploads", "too many uploads") {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErrorDetails(w, http.StatusBadRequest, "MARKET_FILE_REQUIRED", "file is required", nil)
		return
	}
	defer file.Close()
	if header.Size > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	upload, err := s.app.UploadFile(r.Context(), p.ID(), header.Filename, header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"upload":  upload,
		"tokens":  upload.TokensEarned,
	})
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	p, _ := principal.FromContext(r.Context())
	q := r.URL.Query()
	filter := store.UploadFilter{
		OwnerID: strings.TrimSpace(q.Get("user_id")),
		Status:  domain.UploadStatus(strings.TrimSpace(q.Get("status"))),
	}
	if !p.Admin {
		if filter.OwnerID != "" && filter.OwnerID != p.ID() {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		filter.OwnerID = p.ID()
	}
	uploads, err := s.app.ListUploads(r.Context(), filter)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uploads": uploads})
}

// admin decisions

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	res, err := s.app.Approve(r.Context(), app.ApproveInput{
		UploadID:     req.UploadID,
		OwnerID:      req.UserID,
		TokensEarned: req.TokensEarned,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     "Upload approved and tokens credited",
		"new_balance": res.NewBalance,
	})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if _, err := s.app.Reject(r.Context(), app.RejectInput{
		UploadID:    req.UploadID,
		StoragePath: req.StoragePath,
	}); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Upload rejected",
	})
}

// purchases

func (s *Server) handleCreatePurchase(w http.ResponseWriter, r *http.Request) {
	p, _ := principal.FromContext(r.Context())
	if !s.allowRate(w, r, s.purchaseLimiter, "purchases", "too many purchases") {
		return
	}
	var req purchaseRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	buyer, ok := s.actingAs(w, r, p, req.BuyerID)
	if !ok {
		return
	}
	res, err := s.app.Purchase(r.Context(), app.PurchaseInput{
		BuyerID:  buyer,
		UploadID: req.UploadID,
		Price:    req.Price,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"purchase":     res.Purchase,
		"message":      "Purchase successful",
		"download_url": res.DownloadURL,
	})
}

func (s *Server) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	p, _ := principal.FromContext(r.Context())
	buyer, ok := s.actingAs(w, r, p, r.URL.Query().Get("buyer_id"))
	if !ok {
		return
	}
	purchases, err := s.app.ListPurchases(r.Context(), buyer)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchases": purchases})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	p, _ := principal.FromContext(r.Context())
	url, err := s.app.DownloadURL(r.Context(), p.ID(), r.PathValue("path"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	p, _ := principal.FromContext(r.Context())
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	view, err := s.app.GetWallet(r.Context(), p.ID(), limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":  view.Wallet,
		"entries": view.Entries,
	})
}

// actingAs returns the user ID a request acts for. Only administrators may
// act for someone else.
func (s *Server) actingAs(w http.ResponseWriter, r *http.Request, p principal.Principal, requested string) (string, bool) {
	requested = strings.TrimSpace(requested)
	if requested == "" || requested == p.ID() {
		return p.ID(), true
	}
	if !p.Admin {
		s.audit(r, "marketplace.act_as", "fail", "user_id", p.ID(), "target", requested)
		writeError(w, http.StatusForbidden, "cannot act for another user")
		return "", false
	}
	return requested, true
}
