package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"counselflow/auth"
	"counselflow/booking"
	"counselflow/dispute"
	"counselflow/payment"
)

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

type bookingResponse struct {
	ID          string `json:"id"`
	ClientID    string `json:"clientId"`
	CounselorID string `json:"counselorId"`
	Topic       string `json:"topic"`
	ScheduledAt string `json:"scheduledAt"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
}

func toBookingResponse(rec booking.Record) bookingResponse {
	return bookingResponse{
		ID:          rec.ID,
		ClientID:    rec.ClientID,
		CounselorID: rec.CounselorID,
		Topic:       rec.Topic,
		ScheduledAt: rec.ScheduledAt.Format(time.RFC3339),
		Status:      string(rec.Status),
		CreatedAt:   rec.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleBookings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListBookings(w, r)
	case http.MethodPost:
		s.handleCreateBooking(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	filters := booking.Filters{
		Page:     intQuery(r, "page"),
		PageSize: intQuery(r, "pageSize"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filters.Status = booking.Status(status)
	}

	// Non-admin callers only see their own side of the ledger.
	switch callerRole(r) {
	case auth.RoleAdmin:
	case auth.RoleCounselor:
		filters.CounselorID = callerID(r)
	default:
		filters.ClientID = callerID(r)
	}

	result, err := s.bookingService.List(r.Context(), filters)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]bookingResponse, 0, len(result.Items))
	for _, rec := range result.Items {
		items = append(items, toBookingResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": result.Total})
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	if callerRole(r) != auth.RoleClient {
		writeError(w, http.StatusForbidden, "only clients can book sessions")
		return
	}

	var req struct {
		CounselorID string    `json:"counselorId"`
		Topic       string    `json:"topic"`
		ScheduledAt time.Time `json:"scheduledAt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rec, err := s.bookingService.Create(r.Context(), booking.CreateParams{
		ClientID:    callerID(r),
		CounselorID: req.CounselorID,
		Topic:       req.Topic,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingResponse(rec))
}

func (s *Server) handleBookingDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/bookings/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "invalid booking path")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := s.bookingService.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if role := callerRole(r); role != auth.RoleAdmin && rec.ClientID != callerID(r) && rec.CounselorID != callerID(r) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		writeJSON(w, http.StatusOK, toBookingResponse(rec))
	case http.MethodPatch:
		var req struct {
			Outcome string `json:"outcome"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		rec, err := s.bookingService.Close(r.Context(), booking.CloseParams{
			BookingID: id,
			ActorID:   callerID(r),
			ActorRole: string(callerRole(r)),
			Outcome:   booking.Status(req.Outcome),
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toBookingResponse(rec))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type disputeResponse struct {
	ID               string  `json:"id"`
	BookingID        string  `json:"bookingId"`
	Status           string  `json:"status"`
	IssueType        string  `json:"issueType"`
	Description      string  `json:"description"`
	NeedFollowUpCall bool    `json:"needFollowUpCall"`
	Resolution       *string `json:"resolution,omitempty"`
	DisputedAt       string  `json:"disputedAt"`
	ResolvedAt       *string `json:"resolvedAt,omitempty"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:               rec.ID,
		BookingID:        rec.BookingID,
		Status:           string(rec.Status),
		IssueType:        string(rec.IssueType),
		Description:      rec.Description,
		NeedFollowUpCall: rec.NeedFollowUpCall,
		Resolution:       rec.Resolution,
		DisputedAt:       rec.DisputedAt.Format(time.RFC3339),
	}
	if rec.ResolvedAt != nil {
		at := rec.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &at
	}
	return resp
}

type evidenceResponse struct {
	Position int    `json:"position"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	FileSize int64  `json:"fileSize"`
	URL      string `json:"url"`
}

type eventResponse struct {
	Seq     int    `json:"seq"`
	Role    string `json:"role"`
	Action  string `json:"action"`
	Comment string `json:"comment,omitempty"`
	At      string `json:"at"`
}

type paymentResponse struct {
	OrderRef        string `json:"orderRef"`
	PaymentRef      string `json:"paymentRef"`
	Amount          int64  `json:"amount"`
	Fee             int64  `json:"fee"`
	Tax             int64  `json:"tax"`
	PlatformFee     int64  `json:"platformFee"`
	CounselorPayout int64  `json:"counselorPayout"`
	NetAmount       int64  `json:"netAmount"`
	Currency        string `json:"currency"`
}

type payoutResponse struct {
	Status            string  `json:"status"`
	AmountToCounselor int64   `json:"amountToCounselor"`
	AmountToClient    int64   `json:"amountToClient"`
	ReleasedAt        *string `json:"releasedAt,omitempty"`
	RefundedAt        *string `json:"refundedAt,omitempty"`
}

func toPayoutResponse(p payment.Payout) payoutResponse {
	resp := payoutResponse{
		Status:            string(p.Status),
		AmountToCounselor: p.AmountToCounselor,
		AmountToClient:    p.AmountToClient,
	}
	if p.ReleasedAt != nil {
		at := p.ReleasedAt.Format(time.RFC3339)
		resp.ReleasedAt = &at
	}
	if p.RefundedAt != nil {
		at := p.RefundedAt.Format(time.RFC3339)
		resp.RefundedAt = &at
	}
	return resp
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListDisputes(w, r)
	case http.MethodPost:
		s.handleFileDispute(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	filters := dispute.Filters{
		Status:    dispute.Status(r.URL.Query().Get("status")),
		BookingID: r.URL.Query().Get("bookingId"),
		Page:      intQuery(r, "page"),
		PageSize:  intQuery(r, "pageSize"),
	}

	switch callerRole(r) {
	case auth.RoleAdmin:
	case auth.RoleClient:
		filters.ClientID = callerID(r)
	default:
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	result, err := s.disputeService.List(r.Context(), filters)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]disputeResponse, 0, len(result.Items))
	for _, rec := range result.Items {
		items = append(items, toDisputeResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": result.Total})
}

func (s *Server) handleFileDispute(w http.ResponseWriter, r *http.Request) {
	if callerRole(r) != auth.RoleClient {
		writeError(w, http.StatusForbidden, "only clients can file disputes")
		return
	}

	var req struct {
		BookingID        string `json:"bookingId"`
		IssueType        string `json:"issueType"`
		Description      string `json:"description"`
		NeedFollowUpCall bool   `json:"needFollowUpCall"`
		Evidence         []struct {
			FileName string `json:"fileName"`
			FileType string `json:"fileType"`
			FileSize int64  `json:"fileSize"`
			URL      string `json:"url"`
		} `json:"evidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	params := dispute.FileParams{
		BookingID:        req.BookingID,
		ClientID:         callerID(r),
		IssueType:        dispute.IssueType(req.IssueType),
		Description:      req.Description,
		NeedFollowUpCall: req.NeedFollowUpCall,
	}
	for _, item := range req.Evidence {
		params.Evidence = append(params.Evidence, dispute.Evidence{
			FileName: item.FileName,
			FileType: item.FileType,
			FileSize: item.FileSize,
			URL:      item.URL,
		})
	}

	rec, err := s.disputeService.File(r.Context(), params)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
}

func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/disputes/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "invalid dispute path")
		return
	}

	if id, ok := strings.CutSuffix(rest, "/notes"); ok {
		s.handleAddNote(w, r, id)
		return
	}
	if strings.Contains(rest, "/") {
		writeError(w, http.StatusBadRequest, "invalid dispute path")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetDispute(w, r, rest)
	case http.MethodPatch:
		s.handleResolveDispute(w, r, rest)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request, id string) {
	if callerRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	detail, err := s.disputeService.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	payload := map[string]any{
		"dispute": toDisputeResponse(detail.Dispute),
		"suggested": map[string]int64{
			"refundAmount": detail.Suggested.RefundAmount,
			"payoutAmount": detail.Suggested.PayoutAmount,
		},
	}

	evidence := make([]evidenceResponse, 0, len(detail.Evidence))
	for _, item := range detail.Evidence {
		evidence = append(evidence, evidenceResponse{
			Position: item.Position,
			FileName: item.FileName,
			FileType: item.FileType,
			FileSize: item.FileSize,
			URL:      item.URL,
		})
	}
	payload["evidence"] = evidence

	events := make([]eventResponse, 0, len(detail.Events))
	for _, ev := range detail.Events {
		events = append(events, eventResponse{
			Seq:     ev.Seq,
			Role:    ev.Role,
			Action:  ev.Action,
			Comment: ev.Comment,
			At:      ev.At.Format(time.RFC3339),
		})
	}
	payload["events"] = events

	if detail.Payment != nil {
		payload["payment"] = paymentResponse{
			OrderRef:        detail.Payment.OrderRef,
			PaymentRef:      detail.Payment.PaymentRef,
			Amount:          detail.Payment.Amount,
			Fee:             detail.Payment.Fee,
			Tax:             detail.Payment.Tax,
			PlatformFee:     detail.Payment.PlatformFee,
			CounselorPayout: detail.Payment.CounselorPayout,
			NetAmount:       detail.Payment.NetAmount,
			Currency:        detail.Payment.Currency,
		}
	}
	if detail.Payout != nil {
		payload["payout"] = toPayoutResponse(*detail.Payout)
	}

	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request, id string) {
	if callerRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req struct {
		Status       string `json:"status"`
		Resolution   string `json:"resolution"`
		RefundAmount int64  `json:"refundAmount"`
		PayoutAmount int64  `json:"payoutAmount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := s.disputeService.Resolve(r.Context(), dispute.ResolveParams{
		DisputeID:    id,
		AdminID:      callerID(r),
		Target:       dispute.Status(req.Status),
		Resolution:   req.Resolution,
		RefundAmount: req.RefundAmount,
		PayoutAmount: req.PayoutAmount,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	payload := map[string]any{"dispute": toDisputeResponse(result.Dispute)}
	if result.Payout != nil {
		payload["payout"] = toPayoutResponse(*result.Payout)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	ev, err := s.disputeService.AddNote(r.Context(), dispute.NoteParams{
		DisputeID: id,
		Role:      string(callerRole(r)),
		Comment:   req.Comment,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, eventResponse{
		Seq:     ev.Seq,
		Role:    ev.Role,
		Action:  ev.Action,
		Comment: ev.Comment,
		At:      ev.At.Format(time.RFC3339),
	})
}

func intQuery(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}
