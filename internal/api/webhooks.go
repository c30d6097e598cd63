package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/rendis/spiral/internal/store"
	"github.com/rendis/spiral/internal/webhooks"
	"github.com/rendis/spiral/pkg/schema"
)

// subscriptionView adds the live circuit state to a stored subscription.
type subscriptionView struct {
	*schema.WebhookSubscription
	Circuit string `json:"circuit"`
}

func (s *Server) view(sub *schema.WebhookSubscription) subscriptionView {
	return subscriptionView{WebhookSubscription: sub, Circuit: s.deps.Webhooks.CircuitState(sub.ID).String()}
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var sub schema.WebhookSubscription
	if err := decodeBody(w, r, &sub, false); err != nil {
		writeErr(w, err)
		return
	}
	out, err := s.deps.Webhooks.CreateSubscription(r.Context(), &sub)
	if err != nil {
		writeErr(w, err)
		return
	}
	// The secret is only returned here.
	writeJSON(w, http.StatusCreated, s.view(out))
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subs, err := s.deps.Webhooks.Subscriptions(r.Context(), store.SubscriptionFilter{
		Status: schema.SubscriptionStatus(q.Get("status")),
		Event:  q.Get("event"),
		Owner:  q.Get("owner"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, s.view(redact(sub)))
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": views, "total": len(views)})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Webhooks.Subscription(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(redact(sub)))
}

func (s *Server) handlePatchSubscription(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status schema.SubscriptionStatus `json:"status"`
	}
	if err := decodeBody(w, r, &body, false); err != nil {
		writeErr(w, err)
		return
	}
	sub, err := s.deps.Webhooks.UpdateSubscriptionStatus(r.Context(), mux.Vars(r)["id"], body.Status)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(redact(sub)))
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Webhooks.DeleteSubscription(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DeliveryFilter{SubscriptionID: q.Get("subscription_id")}
	if statuses := q.Get("status"); statuses != "" {
		for _, st := range strings.Split(statuses, ",") {
			filter.Statuses = append(filter.Statuses, schema.DeliveryStatus(st))
		}
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit", 100); err != nil {
		writeErr(w, err)
		return
	}
	ds, err := s.deps.Webhooks.Deliveries(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if ds == nil {
		ds = []*schema.WebhookDelivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": ds, "total": len(ds)})
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Webhooks.Delivery(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Webhooks.RetryDelivery(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

// handleDispatchEvent publishes a custom event to the subscriptions.
func (s *Server) handleDispatchEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind    string         `json:"kind"`
		Payload map[string]any `json:"payload"`
	}
	if err := decodeBody(w, r, &body, false); err != nil {
		writeErr(w, err)
		return
	}
	n, err := s.deps.Webhooks.DispatchEvent(r.Context(), body.Kind, body.Payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"kind": body.Kind, "deliveries": n})
}

// handleVerifySignature checks a signature against a payload. The secret is
// given directly or taken from subscription_id.
func (s *Server) handleVerifySignature(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Payload        json.RawMessage `json:"payload"`
		Signature      string          `json:"signature"`
		Secret         string          `json:"secret"`
		SubscriptionID string          `json:"subscription_id"`
	}
	if err := decodeBody(w, r, &body, false); err != nil {
		writeErr(w, err)
		return
	}
	if len(body.Payload) == 0 || body.Signature == "" {
		writeErr(w, schema.ValidationError("payload and signature are required"))
		return
	}
	secret := body.Secret
	if secret == "" {
		if body.SubscriptionID == "" {
			writeErr(w, schema.ValidationError("secret or subscription_id is required"))
			return
		}
		sub, err := s.deps.Webhooks.Subscription(r.Context(), body.SubscriptionID)
		if err != nil {
			writeErr(w, err)
			return
		}
		secret = sub.Secret
	}
	canonical, err := webhooks.Canonicalize(body.Payload)
	if err != nil {
		writeErr(w, schema.ValidationError("payload is not valid JSON: %s", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": webhooks.VerifySignature(canonical, body.Signature, secret)})
}

// redact hides the signing secret of a stored subscription.
func redact(sub *schema.WebhookSubscription) *schema.WebhookSubscription {
	out := *sub
	if out.Secret != "" {
		out.Secret = "********"
	}
	return &out
}
