// Package jsonmodel implements the built-in format adapter for the
// lightweight self-describing JSON model format. The format supports
// three model kinds: decision_tree, rules and isolation_forest.
package jsonmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/modelkiln/modelkiln/pkg/models"
)

// Format is the registry tag for this adapter.
const Format = "json"

// defaultRuleConfidence is reported when no rule matches and the
// configured default prediction is returned.
const defaultRuleConfidence = 0.5

// Document is the on-disk shape of a JSON model artifact.
type Document struct {
	Kind string `json:"kind"`

	// decision_tree
	Tree *TreeNode `json:"tree,omitempty"`

	// rules
	Rules             []Rule `json:"rules,omitempty"`
	DefaultPrediction any    `json:"default_prediction,omitempty"`

	// isolation_forest
	Trees     []*TreeNode `json:"trees,omitempty"`
	MaxDepth  int         `json:"max_depth,omitempty"`
	Threshold float64     `json:"threshold,omitempty"`
}

// TreeNode is a binary tree node. Interior nodes carry a feature and
// threshold; leaves carry a value and confidence.
type TreeNode struct {
	Feature    string    `json:"feature,omitempty"`
	Threshold  float64   `json:"threshold,omitempty"`
	Left       *TreeNode `json:"left,omitempty"`
	Right      *TreeNode `json:"right,omitempty"`
	Value      any       `json:"value,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
}

func (n *TreeNode) leaf() bool { return n.Left == nil && n.Right == nil }

// Rule is one ordered entry of a rules model: first match wins.
type Rule struct {
	Condition  Condition `json:"condition"`
	Prediction any       `json:"prediction"`
	Confidence float64   `json:"confidence"`
}

// Condition is a single-feature comparison.
type Condition struct {
	Feature  string `json:"feature"`
	Operator string `json:"operator"` // >, >=, <, <=, ==, !=
	Value    any    `json:"value"`
}

// Adapter implements contracts.FormatAdapter for the JSON model format.
type Adapter struct{}

// New returns the built-in JSON format adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Kind() string { return Format }

// Load parses the artifact bytes into a Document.
func (a *Adapter) Load(ctx context.Context, data []byte, meta *models.Model) (any, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse json model: %w", err)
	}
	return &doc, nil
}

// Verify checks the document's structural validity for its kind.
func (a *Adapter) Verify(model any, meta *models.Model) error {
	doc, ok := model.(*Document)
	if !ok {
		return fmt.Errorf("expected *jsonmodel.Document, got %T", model)
	}
	switch doc.Kind {
	case "decision_tree":
		if doc.Tree == nil {
			return fmt.Errorf("decision_tree model has no tree")
		}
		if err := validateTree(doc.Tree); err != nil {
			return fmt.Errorf("decision_tree: %w", err)
		}
	case "rules":
		if len(doc.Rules) == 0 {
			return fmt.Errorf("rules model has no rules")
		}
	case "isolation_forest":
		if len(doc.Trees) == 0 {
			return fmt.Errorf("isolation_forest model has no trees")
		}
		if doc.MaxDepth <= 0 {
			return fmt.Errorf("isolation_forest model has no max_depth")
		}
		for i, tree := range doc.Trees {
			if tree == nil {
				return fmt.Errorf("isolation_forest tree %d is null", i)
			}
			if err := validateTree(tree); err != nil {
				return fmt.Errorf("isolation_forest tree %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unrecognized model kind %q", doc.Kind)
	}
	return nil
}

// validateTree rejects nodes with exactly one child: traversal assumes
// every interior node carries both branches, so a lopsided node would
// step into a nil child.
func validateTree(node *TreeNode) error {
	if (node.Left == nil) != (node.Right == nil) {
		return fmt.Errorf("node on feature %q has exactly one child", node.Feature)
	}
	if node.leaf() {
		return nil
	}
	if err := validateTree(node.Left); err != nil {
		return err
	}
	return validateTree(node.Right)
}

// Predict dispatches to the document's model kind.
func (a *Adapter) Predict(ctx context.Context, model any, features map[string]any, meta *models.Model) (*models.Prediction, error) {
	doc, ok := model.(*Document)
	if !ok {
		return nil, fmt.Errorf("expected *jsonmodel.Document, got %T", model)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch doc.Kind {
	case "decision_tree":
		return predictTree(doc.Tree, features), nil
	case "rules":
		return predictRules(doc, features)
	case "isolation_forest":
		return predictForest(ctx, doc, features)
	default:
		return nil, fmt.Errorf("unrecognized model kind %q", doc.Kind)
	}
}

// predictTree walks the binary tree: feature <= threshold goes left,
// otherwise right (missing features compare false).
func predictTree(node *TreeNode, features map[string]any) *models.Prediction {
	for !node.leaf() {
		if v, ok := toFloat(features[node.Feature]); ok && v <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	return &models.Prediction{Value: node.Value, Confidence: node.Confidence}
}

// predictRules evaluates rules in order; the first match wins. Without
// a match the configured default prediction is returned.
func predictRules(doc *Document, features map[string]any) (*models.Prediction, error) {
	for i, rule := range doc.Rules {
		matched, err := rule.Condition.eval(features)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if matched {
			return &models.Prediction{
				Value:      rule.Prediction,
				Confidence: rule.Confidence,
				Extra:      map[string]any{"rule_index": i},
			}, nil
		}
	}
	return &models.Prediction{
		Value:      doc.DefaultPrediction,
		Confidence: defaultRuleConfidence,
		Extra:      map[string]any{"default": true},
	}, nil
}

func (c Condition) eval(features map[string]any) (bool, error) {
	have, present := features[c.Feature]

	switch c.Operator {
	case ">", ">=", "<", "<=":
		lhs, okL := toFloat(have)
		rhs, okR := toFloat(c.Value)
		if !present || !okL || !okR {
			return false, nil
		}
		switch c.Operator {
		case ">":
			return lhs > rhs, nil
		case ">=":
			return lhs >= rhs, nil
		case "<":
			return lhs < rhs, nil
		default:
			return lhs <= rhs, nil
		}
	case "==":
		return present && looseEqual(have, c.Value), nil
	case "!=":
		return present && !looseEqual(have, c.Value), nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

// predictForest averages the leaf depth reached across all trees,
// normalizes by max_depth and compares against the threshold. Short
// average paths indicate isolation, so scores below the threshold
// classify as anomalies. Confidence is the distance from the threshold.
func predictForest(ctx context.Context, doc *Document, features map[string]any) (*models.Prediction, error) {
	var totalDepth float64
	for _, tree := range doc.Trees {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		totalDepth += float64(leafDepth(tree, features))
	}

	score := totalDepth / float64(len(doc.Trees)) / float64(doc.MaxDepth)

	value := "normal"
	if score < doc.Threshold {
		value = "anomaly"
	}
	confidence := math.Min(math.Abs(score-doc.Threshold), 1.0)

	return &models.Prediction{
		Value:      value,
		Confidence: confidence,
		Extra:      map[string]any{"anomaly_score": score},
	}, nil
}

func leafDepth(node *TreeNode, features map[string]any) int {
	depth := 0
	for !node.leaf() {
		if v, ok := toFloat(features[node.Feature]); ok && v <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
		depth++
	}
	return depth
}

// looseEqual compares numerically when both sides are numeric,
// otherwise by string representation.
func looseEqual(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
