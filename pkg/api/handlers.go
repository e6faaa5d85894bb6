package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/forms"
	"github.com/Mindburn-Labs/helm-intake/pkg/intake"
)

// submissionRequest is the public submission payload.
type submissionRequest struct {
	Fields    *contracts.FieldValues              `json:"fields"`
	VariantID string                              `json:"variant_id,omitempty"`
	Referrer  string                              `json:"referrer,omitempty"`
	Campaign  contracts.CampaignTags              `json:"campaign"`
	Telemetry map[string]contracts.FieldTelemetry `json:"telemetry,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submissionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		WriteError(w, r, http.StatusBadRequest, "request body must be a JSON object with a fields object")
		return
	}
	if body.Fields == nil {
		body.Fields = contracts.NewFieldValues()
	}
	referrer := body.Referrer
	if referrer == "" {
		referrer = r.Referer()
	}

	acc, err := s.sys.Engine.Submit(r.Context(), intake.SubmitRequest{
		FormID: r.PathValue("formID"),
		Fields: body.Fields,
		Meta: contracts.ClientMeta{
			IP:        s.ips.ClientIP(r),
			UserAgent: r.UserAgent(),
			Referrer:  referrer,
			Origin:    r.Header.Get("Origin"),
			Campaign:  body.Campaign,
			VariantID: body.VariantID,
		},
		Telemetry: body.Telemetry,
	})
	if rej, ok := contracts.AsRejection(err); ok {
		WriteRejection(w, r, rej)
		return
	}
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc.Acceptance)
}

type schemaResponse struct {
	FormID        string                `json:"form_id"`
	Name          string                `json:"name"`
	Version       string                `json:"version"`
	Fields        []contracts.FieldSpec `json:"fields"`
	HoneypotField string                `json:"honeypot_field,omitempty"`
	VariantID     string                `json:"variant_id,omitempty"`
}

// handleSchema serves the variant-adjusted schema and counts a view. The
// client echoes variant_id back on submit.
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	form, err := s.sys.Forms.Form(r.Context(), r.PathValue("formID"))
	if errors.Is(err, forms.ErrFormNotFound) || (err == nil && !form.Active) {
		WriteError(w, r, http.StatusNotFound, "form not found")
		return
	}
	if err != nil {
		WriteInternal(w, r, err)
		return
	}

	variant := r.URL.Query().Get("variant")
	if variant == "" {
		if variant, err = s.sys.Forms.PickVariant(r.Context(), form); err != nil {
			WriteInternal(w, r, err)
			return
		}
	}
	fields, err := forms.Schema(form, variant)
	if errors.Is(err, forms.ErrUnknownVariant) {
		WriteError(w, r, http.StatusNotFound, "unknown variant")
		return
	}
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if err := s.sys.Forms.RecordView(r.Context(), form, variant); err != nil {
		slog.WarnContext(r.Context(), "experiment view not counted", "form_id", form.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, schemaResponse{
		FormID:        form.ID,
		Name:          form.Name,
		Version:       form.Version,
		Fields:        fields,
		HoneypotField: form.HoneypotField,
		VariantID:     variant,
	})
}
