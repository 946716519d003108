package dispatch

import "encoding/json"

// shouldMergeLogprobs reports whether the original request requested
// either logprobs or echo, the trigger condition from spec.md §4.5 step 7.
func shouldMergeLogprobs(originalBody map[string]any) bool {
	if v, ok := originalBody["logprobs"]; ok {
		switch t := v.(type) {
		case bool:
			if t {
				return true
			}
		case float64:
			if t != 0 {
				return true
			}
		}
	}
	if v, ok := originalBody["echo"].(bool); ok && v {
		return true
	}
	return false
}

// mergeLogprobs implements spec.md §4.5 step 7: stitch the prefill-side
// prompt log-probs onto the decode-side generated log-probs for each
// matching choice, so the client sees one continuous per-token array
// spanning prompt and output.
func mergeLogprobs(prefillBody, decodeBody []byte) ([]byte, error) {
	var prefill, decode map[string]any
	if err := json.Unmarshal(prefillBody, &prefill); err != nil {
		return decodeBody, nil
	}
	if err := json.Unmarshal(decodeBody, &decode); err != nil {
		return decodeBody, nil
	}

	prefillChoices, _ := prefill["choices"].([]any)
	decodeChoices, _ := decode["choices"].([]any)

	// Chat API: prompt_logprobs sits at the top level of the prefill response.
	topPromptLogprobs, hasTopLevel := prefill["prompt_logprobs"].([]any)
	if hasTopLevel {
		decode["prompt_logprobs"] = topPromptLogprobs
	}

	n := len(prefillChoices)
	if n > len(decodeChoices) {
		n = len(decodeChoices)
	}
	for i := 0; i < n; i++ {
		pChoice, _ := prefillChoices[i].(map[string]any)
		dChoice, _ := decodeChoices[i].(map[string]any)
		if pChoice == nil || dChoice == nil {
			continue
		}

		var promptLogprobs []any
		if hasTopLevel {
			promptLogprobs = topPromptLogprobs
		} else if v, ok := pChoice["prompt_logprobs"].([]any); ok {
			promptLogprobs = v
			dChoice["prompt_logprobs"] = v
		}

		mergeChoiceLogprobs(pChoice, dChoice, len(promptLogprobs))
	}

	out, err := json.Marshal(decode)
	if err != nil {
		return decodeBody, nil
	}
	return out, nil
}

// mergeChoiceLogprobs merges one choice's "logprobs" object in place on
// dChoice, taking the first promptLen entries of pChoice's logprobs
// (excluding the single forced output token prefill emitted) and
// appending all of dChoice's own entries, offsetting text_offset so it
// stays monotonically nondecreasing across the prompt/output boundary.
func mergeChoiceLogprobs(pChoice, dChoice map[string]any, promptLen int) {
	pLP, _ := pChoice["logprobs"].(map[string]any)
	dLP, _ := dChoice["logprobs"].(map[string]any)
	if pLP == nil || dLP == nil || promptLen == 0 {
		return
	}

	pTokenLogprobs := sliceAny(pLP["token_logprobs"])
	pTokens := sliceAny(pLP["tokens"])
	pOffsets := sliceAny(pLP["text_offset"])
	pTopLogprobs := sliceAny(pLP["top_logprobs"])

	dTokenLogprobs := sliceAny(dLP["token_logprobs"])
	dTokens := sliceAny(dLP["tokens"])
	dOffsets := sliceAny(dLP["text_offset"])
	dTopLogprobs := sliceAny(dLP["top_logprobs"])

	n := promptLen
	if n > len(pTokenLogprobs) {
		n = len(pTokenLogprobs)
	}

	merged := map[string]any{
		"token_logprobs": append(append([]any{}, pTokenLogprobs[:n]...), dTokenLogprobs...),
		"tokens":         append(append([]any{}, pTokens[:min(n, len(pTokens))]...), dTokens...),
		"top_logprobs":   append(append([]any{}, pTopLogprobs[:min(n, len(pTopLogprobs))]...), dTopLogprobs...),
	}

	if n > 0 && n <= len(pOffsets) && n <= len(pTokens) {
		base := toFloat(pOffsets[n-1]) + float64(len(toString(pTokens[n-1])))
		adjusted := make([]any, 0, len(dOffsets))
		for _, off := range dOffsets {
			adjusted = append(adjusted, base+toFloat(off))
		}
		merged["text_offset"] = append(append([]any{}, pOffsets[:n]...), adjusted...)
	}

	dChoice["logprobs"] = merged
}

func sliceAny(v any) []any {
	s, _ := v.([]any)
	return s
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}
