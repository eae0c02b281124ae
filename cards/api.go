package cards

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"

	"github.com/alovak/cardledger/cards/models"
	"github.com/alovak/cardledger/internal/expiry"
	"github.com/alovak/cardledger/internal/middleware"
	"github.com/alovak/cardledger/internal/money"
)

// API is a HTTP API for the card ledger
type API struct {
	cards   *Service
	ledger  *Ledger
	sweeper *Sweeper
	secret  []byte
	logger  *slog.Logger
}

func NewAPI(cards *Service, ledger *Ledger, sweeper *Sweeper, jwtSecret []byte, logger *slog.Logger) *API {
	return &API{
		cards:   cards,
		ledger:  ledger,
		sweeper: sweeper,
		secret:  jwtSecret,
		logger:  logger.With(slog.String("component", "api")),
	}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(a.secret))

		r.Route("/cards", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleUser))
			r.Get("/", a.listCards)
			r.Post("/transfer", a.transfer)
			r.Route("/{ref}", func(r chi.Router) {
				r.Get("/", a.getCard)
				r.Post("/deposit", a.deposit)
				r.Post("/withdraw", a.withdraw)
				r.Post("/block", a.blockCard)
				r.Get("/operations", a.listOperations)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin, middleware.RoleIntegration))
			r.Post("/cards", a.createCard)
			r.Patch("/cards/{ref}/status", a.changeStatus)
			r.Delete("/cards/{ref}", a.deleteCard)
			r.Get("/users/{ownerID}/cards", a.listOwnerCards)
			r.Post("/sweeps", a.sweep)
		})
	})
}

type cardResponse struct {
	ID             string    `json:"id"`
	Number         string    `json:"number,omitempty"`
	BIN            string    `json:"bin"`
	Last4          string    `json:"last4"`
	OwnerID        string    `json:"owner_id"`
	ValidityPeriod string    `json:"validity_period"`
	Status         string    `json:"status"`
	Balance        string    `json:"balance"`
	Revision       int64     `json:"revision"`
	CreatedAt      time.Time `json:"created_at"`
}

func newCardResponse(c *models.Card) cardResponse {
	return cardResponse{
		ID:             c.ExternalID,
		Number:         c.Number,
		BIN:            c.BIN,
		Last4:          c.Last4,
		OwnerID:        c.OwnerID,
		ValidityPeriod: expiry.FormatDate(c.ValidityPeriod),
		Status:         string(c.Status),
		Balance:        money.Format(c.Balance),
		Revision:       c.Revision,
		CreatedAt:      c.CreatedAt,
	}
}

type operationResponse struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Amount    string    `json:"amount"`
	FromCard  string    `json:"from_card,omitempty"`
	ToCard    string    `json:"to_card,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type amountRequest struct {
	Amount json.Number `json:"amount"`
}

func (a *API) listCards(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)

	cards, err := a.cards.ListCards(r.Context(), actor.ID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cardList(cards))
}

func (a *API) getCard(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)

	card, err := a.cards.GetCard(r.Context(), chi.URLParam(r, "ref"), actor.ID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCardResponse(card))
}

func (a *API) deposit(w http.ResponseWriter, r *http.Request) {
	amount, ok := decodeAmount(w, r)
	if !ok {
		return
	}
	ref := chi.URLParam(r, "ref")

	balance, err := a.ledger.Deposit(r.Context(), ref, amount, actorFrom(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"card_id": ref, "balance": money.Format(balance)})
}

func (a *API) withdraw(w http.ResponseWriter, r *http.Request) {
	amount, ok := decodeAmount(w, r)
	if !ok {
		return
	}
	ref := chi.URLParam(r, "ref")

	balance, err := a.ledger.Withdraw(r.Context(), ref, amount, actorFrom(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"card_id": ref, "balance": money.Format(balance)})
}

func (a *API) transfer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From   string      `json:"from"`
		To     string      `json:"to"`
		Amount json.Number `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.From == "" || body.To == "" {
		http.Error(w, "from and to are required", http.StatusBadRequest)
		return
	}
	amount, err := money.Parse(body.Amount.String())
	if err != nil {
		a.writeError(w, invalidAmount(err))
		return
	}

	fromBalance, toBalance, err := a.ledger.Transfer(r.Context(), body.From, body.To, amount, actorFrom(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"from_balance": money.Format(fromBalance),
		"to_balance":   money.Format(toBalance),
	})
}

func (a *API) blockCard(w http.ResponseWriter, r *http.Request) {
	card, err := a.cards.BlockCard(r.Context(), chi.URLParam(r, "ref"), actorFrom(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCardResponse(card))
}

func (a *API) listOperations(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	result, err := a.ledger.ListOperations(r.Context(), chi.URLParam(r, "ref"), actorFrom(r).ID, page, size)
	if err != nil {
		a.writeError(w, err)
		return
	}

	items := make([]operationResponse, 0, len(result.Items))
	for _, op := range result.Items {
		items = append(items, operationResponse{
			ID:        op.ID,
			Type:      string(op.Type),
			Amount:    money.Format(op.Amount),
			FromCard:  op.FromCard,
			ToCard:    op.ToCard,
			CreatedAt: op.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"page":  result.Page,
		"size":  result.Size,
		"total": result.Total,
	})
}

func (a *API) createCard(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OwnerID        string      `json:"owner_id"`
		ValidityPeriod string      `json:"validity_period"`
		InitialBalance json.Number `json:"initial_balance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	req := models.CreateCardRequest{OwnerID: body.OwnerID, InitialBalance: decimal.Zero}
	if body.InitialBalance != "" {
		balance, err := money.Parse(body.InitialBalance.String())
		if err != nil {
			a.writeError(w, invalidAmount(err))
			return
		}
		req.InitialBalance = balance
	}
	if body.ValidityPeriod != "" {
		validity, err := expiry.ParseValidity(body.ValidityPeriod)
		if err != nil {
			http.Error(w, ErrInvalidValidity.Error()+": "+err.Error(), http.StatusBadRequest)
			return
		}
		req.ValidityPeriod = validity
	}

	card, err := a.cards.CreateCard(r.Context(), req, actorFrom(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCardResponse(card))
}

func (a *API) changeStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status           string `json:"status"`
		ExpectedRevision *int64 `json:"expected_revision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	status, err := models.ParseCardStatus(body.Status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	card, err := a.cards.ChangeStatus(r.Context(), chi.URLParam(r, "ref"), status, body.ExpectedRevision, actorFrom(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCardResponse(card))
}

func (a *API) deleteCard(w http.ResponseWriter, r *http.Request) {
	if err := a.cards.DeleteCard(r.Context(), chi.URLParam(r, "ref"), actorFrom(r)); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listOwnerCards(w http.ResponseWriter, r *http.Request) {
	cards, err := a.cards.ListCards(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cardList(cards))
}

// sweep runs the expiry sweep on demand; ?date=YYYY-MM-DD overrides today.
func (a *API) sweep(w http.ResponseWriter, r *http.Request) {
	var (
		n   int64
		err error
	)
	if d := r.URL.Query().Get("date"); d != "" {
		today, perr := time.Parse(expiry.DateLayout, d)
		if perr != nil {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		n, err = a.sweeper.Sweep(r.Context(), today)
	} else {
		n, err = a.sweeper.SweepNow(r.Context())
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"expired": n})
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrSameCard),
		errors.Is(err, ErrInvalidValidity),
		errors.Is(err, ErrInvalidOwner):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrCardNotFound):
		http.Error(w, ErrCardNotFound.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNotOwner):
		http.Error(w, ErrNotOwner.Error(), http.StatusForbidden)
	case errors.Is(err, ErrCardNotActive),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrConcurrentModification),
		errors.Is(err, ErrNonZeroBalance),
		errors.Is(err, ErrInvalidStatusTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		a.logger.Error("request failed", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func decodeAmount(w http.ResponseWriter, r *http.Request) (decimal.Decimal, bool) {
	var body amountRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return decimal.Zero, false
	}
	amount, err := money.Parse(body.Amount.String())
	if err != nil {
		http.Error(w, invalidAmount(err).Error(), http.StatusBadRequest)
		return decimal.Zero, false
	}
	return amount, true
}

func actorFrom(r *http.Request) models.Actor {
	id, _ := middleware.FromContext(r.Context())
	return models.Actor{ID: id.OwnerID, Role: string(id.Role)}
}

func cardList(cards []*models.Card) []cardResponse {
	out := make([]cardResponse, 0, len(cards))
	for _, c := range cards {
		out = append(out, newCardResponse(c))
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
