package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telecare/internal/auth"
	"github.com/hackgods/telecare/internal/booking"
	"github.com/hackgods/telecare/internal/payment"
)

type bookingHandlers struct {
	locks    *booking.Manager
	verifier payment.Verifier
	log      zerolog.Logger
}

func (h *bookingHandlers) lockSlot(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	if id.Role != auth.RoleUser {
		writeError(w, http.StatusForbidden, "forbidden", "only patients can lock slots")
		return
	}

	var req LockSlotRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return
	}
	slot, err := booking.NewSlot(uuid.MustParse(req.DoctorID), req.Date, req.Time)
	if err != nil {
		handleBookingError(w, h.log, err)
		return
	}

	lock, err := h.locks.LockSlot(r.Context(), slot, id.ID)
	if err != nil {
		handleBookingError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, lockResponse(lock))
}

func (h *bookingHandlers) getLock(w http.ResponseWriter, r *http.Request) {
	lockID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	lock, err := h.locks.GetLock(r.Context(), lockID, mustIdentity(r))
	if err != nil {
		handleBookingError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, lockResponse(lock))
}

func (h *bookingHandlers) cancelLock(w http.ResponseWriter, r *http.Request) {
	lockID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	lock, err := h.locks.CancelLock(r.Context(), lockID, mustIdentity(r).ID)
	if err != nil {
		handleBookingError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, lockResponse(lock))
}

// finalize confirms the payment with the gateway before touching the lock.
func (h *bookingHandlers) finalize(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return
	}

	proof := payment.Proof{OrderID: req.OrderID, PaymentID: req.PaymentID, Signature: req.Signature}
	verified, err := h.verifier.Verify(r.Context(), proof)
	if err != nil && !errors.Is(err, payment.ErrMissingProof) {
		h.log.Error().Err(err).Msg("payment verification failed")
		writeError(w, http.StatusBadGateway, "payment_verification_failed", "could not verify payment")
		return
	}
	if !verified {
		writeError(w, http.StatusPaymentRequired, "payment_not_verified", "payment could not be verified")
		return
	}

	lock, err := h.locks.FinalizeSlot(r.Context(), uuid.MustParse(req.LockID), mustIdentity(r).ID, req.PaymentID)
	if err != nil {
		handleBookingError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, lockResponse(lock))
}

func (h *bookingHandlers) cancelBooking(w http.ResponseWriter, r *http.Request) {
	lockID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	lock, err := h.locks.CancelBooking(r.Context(), lockID, mustIdentity(r))
	if err != nil {
		handleBookingError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, lockResponse(lock))
}

func (h *bookingHandlers) availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	doctorID, err := uuid.Parse(q.Get("doctor_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
		return
	}
	slot, err := booking.NewSlot(doctorID, q.Get("date"), q.Get("time"))
	if err != nil {
		handleBookingError(w, h.log, err)
		return
	}

	available, err := h.locks.IsSlotAvailable(r.Context(), slot, time.Now())
	if err != nil {
		handleBookingError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, AvailabilityResponse{
		DoctorID:  slot.DoctorID,
		Date:      slot.Date,
		Time:      slot.Time,
		Available: available,
	})
}

func (h *bookingHandlers) takenSlots(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	date := r.URL.Query().Get("date")
	taken, err := h.locks.TakenSlots(r.Context(), doctorID, date)
	if err != nil {
		handleBookingError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, TakenSlotsResponse{DoctorID: doctorID, Date: date, Taken: taken})
}

func handleBookingError(w http.ResponseWriter, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, booking.ErrInvalidSlot):
		writeError(w, http.StatusBadRequest, "invalid_slot", err.Error())
	case errors.Is(err, booking.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", "This slot is already booked")
	case errors.Is(err, booking.ErrLockNotFound):
		writeError(w, http.StatusNotFound, "lock_not_found", err.Error())
	case errors.Is(err, booking.ErrLockExpired):
		writeError(w, http.StatusGone, "lock_expired", "Your reservation expired, please pick the slot again")
	case errors.Is(err, booking.ErrLockNotOwned):
		writeError(w, http.StatusForbidden, "lock_not_owned", err.Error())
	case errors.Is(err, booking.ErrAlreadyFinalized):
		writeError(w, http.StatusConflict, "already_finalized", err.Error())
	case errors.Is(err, booking.ErrInvalidLockState):
		writeError(w, http.StatusConflict, "invalid_lock_state", err.Error())
	case errors.Is(err, booking.ErrLockingDown):
		writeError(w, http.StatusServiceUnavailable, "locking_unavailable", "slot booking is temporarily unavailable, please retry shortly")
	default:
		log.Error().Err(err).Msg("booking request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// mustIdentity is only called behind auth.Middleware.
func mustIdentity(r *http.Request) auth.Identity {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		panic("api: handler mounted without auth middleware")
	}
	return id
}
