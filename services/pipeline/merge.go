package pipeline

import (
	"github.com/docpipe/docpipe/model"
	"github.com/docpipe/docpipe/services/vision"
)

// PageResult is one page's extraction outcome carried into the merge
type PageResult struct {
	Page       int // 0-based
	Method     string
	Extraction *vision.PageExtraction
	Err        error
}

// MergedResult is the document-level outcome of combining all page results
type MergedResult struct {
	Fields     map[string]model.Value
	Confidence map[string]float64
}

// fieldCandidate tracks the best scalar seen so far for one field
type fieldCandidate struct {
	value      model.Value
	confidence float64
	page       int
}

// MergePages combines per-page extractions into one record:
// scalars take the highest-confidence value with earliest page breaking ties,
// arrays concatenate in page order, objects merge recursively per the same
// rules. Required schema fields that end up missing are filled with the
// "N/A" sentinel at confidence 0.
func MergePages(pages []PageResult, schema model.Schema) MergedResult {
	scalars := make(map[string]fieldCandidate)
	arrays := make(map[string][]model.Value)
	objects := make(map[string][]PageResult)
	arrayConf := make(map[string][]float64)
	objectSeen := make(map[string]bool)

	for _, page := range pages {
		if page.Err != nil || page.Extraction == nil {
			continue
		}
		for name, value := range page.Extraction.Fields {
			conf := page.Extraction.Confidence[name]

			switch value.Kind {
			case model.KindArray:
				arrays[name] = append(arrays[name], value.Array...)
				arrayConf[name] = append(arrayConf[name], conf)
			case model.KindObject:
				objectSeen[name] = true
				objects[name] = append(objects[name], PageResult{
					Page: page.Page,
					Extraction: &vision.PageExtraction{
						Fields:     value.Object,
						Confidence: subConfidence(value.Object, conf),
					},
				})
			default:
				mergeScalar(scalars, name, value, conf, page.Page)
			}
		}
	}

	result := MergedResult{
		Fields:     make(map[string]model.Value),
		Confidence: make(map[string]float64),
	}

	for name, cand := range scalars {
		result.Fields[name] = cand.value
		result.Confidence[name] = cand.confidence
	}
	for name, items := range arrays {
		result.Fields[name] = model.Value{Kind: model.KindArray, Array: items}
		result.Confidence[name] = average(arrayConf[name])
	}
	for name := range objectSeen {
		merged := MergePages(objects[name], model.Schema{})
		result.Fields[name] = model.Value{Kind: model.KindObject, Object: merged.Fields}
		confs := make([]float64, 0, len(merged.Confidence))
		for _, c := range merged.Confidence {
			confs = append(confs, c)
		}
		result.Confidence[name] = average(confs)
	}

	// Fill missing required fields with the sentinel
	for _, required := range schema.RequiredFields {
		v, ok := result.Fields[required]
		if !ok || v.IsMissing() {
			result.Fields[required] = model.Value{Kind: model.KindText, Text: "N/A"}
			result.Confidence[required] = 0
		}
	}

	return result
}

// mergeScalar keeps the candidate with the highest confidence; on ties the
// earliest page wins. A present value always beats the "N/A" sentinel.
func mergeScalar(scalars map[string]fieldCandidate, name string, value model.Value, conf float64, page int) {
	existing, ok := scalars[name]
	if !ok {
		scalars[name] = fieldCandidate{value: value, confidence: conf, page: page}
		return
	}

	if existing.value.IsMissing() && !value.IsMissing() {
		scalars[name] = fieldCandidate{value: value, confidence: conf, page: page}
		return
	}
	if value.IsMissing() && !existing.value.IsMissing() {
		return
	}

	if conf > existing.confidence || (conf == existing.confidence && page < existing.page) {
		scalars[name] = fieldCandidate{value: value, confidence: conf, page: page}
	}
}

// subConfidence distributes a parent object's confidence to its members when
// the model reported no per-member scores
func subConfidence(fields map[string]model.Value, parent float64) map[string]float64 {
	confs := make(map[string]float64, len(fields))
	for name := range fields {
		confs[name] = parent
	}
	return confs
}

func average(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
