package nodes

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/curahealth/cura-agent/agent/contract"
)

// MergeExtraction runs the extractor over the transcript and folds the guess
// into the session under the per-field merge policies. Extraction failure is
// non-fatal: nothing merges and the turn continues. A value that conflicts
// with an already-set write-once field is discarded by the merge itself.
func MergeExtraction(ctx context.Context, in *TurnState, extractor contractx.FieldExtractor) (*TurnState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: turn session is nil", contractx.ErrValidation)
	}

	fields, err := extractor.Extract(ctx, in.Session.Transcript())
	if err != nil {
		log.Warn().Err(err).Str("patient_id", in.PatientID).Msg("extraction failed, merging nothing")
		return in, nil
	}
	if fields.Empty() {
		return in, nil
	}

	changed := in.Session.MergeExtracted(fields, in.Now)
	if len(changed) > 0 {
		log.Debug().Str("patient_id", in.PatientID).Strs("fields", changed).Msg("extracted fields merged")
	}
	return in, nil
}
