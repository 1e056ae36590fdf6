// Package vectorstore adapts the Qdrant gRPC client to the narrow surface
// the indexer and search paths need: sized collections, batched upserts,
// filtered deletes, similarity search, and full-collection scrolls.
package vectorstore

import (
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// Point is one stored vector with its JSON payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// ScoredPoint is a search hit.
type ScoredPoint struct {
	Point
	Score float32
}

// Condition matches a payload field against a keyword value.
type Condition struct {
	Field string
	Match string
}

// Filter combines conditions. Must conditions all apply; Should conditions
// form an OR; MustNot conditions exclude.
type Filter struct {
	Must    []Condition
	Should  []Condition
	MustNot []Condition
}

// MustMatch is shorthand for a single-condition must filter.
func MustMatch(field, value string) *Filter {
	return &Filter{Must: []Condition{{Field: field, Match: value}}}
}

func toQdrantPoint(p *Point) *qdrant.PointStruct {
	payload := make(map[string]*qdrant.Value, len(p.Payload))
	for k, v := range p.Payload {
		payload[k] = toQdrantValue(v)
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(p.ID),
		Vectors: qdrant.NewVectors(p.Vector...),
		Payload: payload,
	}
}

func toQdrantValue(v any) *qdrant.Value {
	switch val := v.(type) {
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	default:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}

func toQdrantFilter(f *Filter) *qdrant.Filter {
	if f == nil {
		return nil
	}
	filter := &qdrant.Filter{}
	for _, cond := range f.Must {
		filter.Must = append(filter.Must, toQdrantCondition(cond))
	}
	for _, cond := range f.Should {
		filter.Should = append(filter.Should, toQdrantCondition(cond))
	}
	for _, cond := range f.MustNot {
		filter.MustNot = append(filter.MustNot, toQdrantCondition(cond))
	}
	return filter
}

func toQdrantCondition(c Condition) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: c.Field,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: c.Match},
				},
			},
		},
	}
}

func fromScoredPoint(p *qdrant.ScoredPoint) *ScoredPoint {
	return &ScoredPoint{
		Point: Point{
			ID:      extractPointID(p.GetId()),
			Vector:  extractVector(p.GetVectors()),
			Payload: extractPayload(p.GetPayload()),
		},
		Score: p.GetScore(),
	}
}

func fromRetrievedPoint(p *qdrant.RetrievedPoint) *Point {
	return &Point{
		ID:      extractPointID(p.GetId()),
		Vector:  extractVector(p.GetVectors()),
		Payload: extractPayload(p.GetPayload()),
	}
}

func extractPointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	if num := id.GetNum(); num != 0 {
		return fmt.Sprintf("%d", num)
	}
	return ""
}

func extractVector(vectors *qdrant.VectorsOutput) []float32 {
	if vectors == nil {
		return nil
	}
	if vec := vectors.GetVector(); vec != nil {
		if dense := vec.GetDense(); dense != nil {
			return dense.GetData()
		}
	}
	return nil
}

func extractPayload(payload map[string]*qdrant.Value) map[string]any {
	if payload == nil {
		return nil
	}
	result := make(map[string]any, len(payload))
	for k, v := range payload {
		result[k] = extractValue(v)
	}
	return result
}

func extractValue(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch val := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	default:
		return nil
	}
}
