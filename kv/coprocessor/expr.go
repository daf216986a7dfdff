package coprocessor

import (
	"bytes"
	"encoding/gob"
	"sort"

	"github.com/pingcap/errors"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
)

// OpCode enumerates the operators of the compiled predicate tree.
type OpCode byte

const (
	OpAnd OpCode = iota + 1
	OpOr
	OpNot
	OpEq
	OpLt
	OpLe
	OpGt
	OpGe
	OpLike
	OpIn
	OpIsNull
)

func (op OpCode) String() string {
	switch op {
	case OpAnd:
		return "AND"
	case OpOr:
		return "OR"
	case OpNot:
		return "NOT"
	case OpEq:
		return "EQ"
	case OpLt:
		return "LT"
	case OpLe:
		return "LE"
	case OpGt:
		return "GT"
	case OpGe:
		return "GE"
	case OpLike:
		return "LIKE"
	case OpIn:
		return "IN"
	case OpIsNull:
		return "IS_NULL"
	}
	return "UNKNOWN"
}

// ExprNode is one node of the predicate tree. Leaf operators reference a
// column and carry an operand; AND/OR/NOT hold children.
type ExprNode struct {
	Op       OpCode
	Column   string
	Operand  ScalarValue
	Children []*ExprNode
}

// Compile serializes a predicate tree into the coprocessor blob format.
func Compile(root *ExprNode) ([]byte, error) {
	if root == nil {
		return nil, errors.Annotate(kverrors.ErrSchemaError, "empty expression")
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(root); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

// Expression is an opened, schema-validated predicate ready to evaluate.
// Both evaluators are pure functions of the record; they never read storage.
type Expression struct {
	root    *ExprNode
	columns []string
}

// Open deserializes a coprocessor blob and validates every referenced column
// against the region's scalar schema.
func Open(blob []byte, schema Schema) (*Expression, error) {
	root := new(ExprNode)
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(root); err != nil {
		return nil, errors.Annotate(kverrors.ErrSchemaError, "malformed expression blob")
	}
	columnSet := make(map[string]struct{})
	if err := validate(root, schema, columnSet); err != nil {
		return nil, err
	}
	columns := make([]string, 0, len(columnSet))
	for c := range columnSet {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	return &Expression{root: root, columns: columns}, nil
}

func validate(node *ExprNode, schema Schema, columns map[string]struct{}) error {
	if node == nil {
		return errors.Annotate(kverrors.ErrSchemaError, "nil expression node")
	}
	switch node.Op {
	case OpAnd, OpOr:
		if len(node.Children) < 2 {
			return errors.Annotatef(kverrors.ErrSchemaError, "%s needs at least 2 children", node.Op)
		}
		for _, c := range node.Children {
			if err := validate(c, schema, columns); err != nil {
				return err
			}
		}
	case OpNot:
		if len(node.Children) != 1 {
			return errors.Annotate(kverrors.ErrSchemaError, "NOT needs exactly 1 child")
		}
		return validate(node.Children[0], schema, columns)
	case OpEq, OpLt, OpLe, OpGt, OpGe, OpLike:
		if !schema.Validate(node.Column, node.Operand.Kind) {
			return errors.Annotatef(kverrors.ErrSchemaError,
				"column %q does not accept %s operand", node.Column, node.Operand.Kind)
		}
		columns[node.Column] = struct{}{}
	case OpIn:
		if node.Operand.Kind != KindList {
			return errors.Annotatef(kverrors.ErrSchemaError, "IN operand for %q must be a list", node.Column)
		}
		for _, item := range node.Operand.List {
			if !schema.Validate(node.Column, item.Kind) {
				return errors.Annotatef(kverrors.ErrSchemaError,
					"column %q does not accept %s list item", node.Column, item.Kind)
			}
		}
		columns[node.Column] = struct{}{}
	case OpIsNull:
		if _, ok := schema[node.Column]; !ok {
			return errors.Annotatef(kverrors.ErrSchemaError, "unknown column %q", node.Column)
		}
		columns[node.Column] = struct{}{}
	default:
		return errors.Annotatef(kverrors.ErrSchemaError, "unknown op code %d", node.Op)
	}
	return nil
}

// Columns lists the columns the predicate touches, sorted.
func (e *Expression) Columns() []string {
	return e.columns
}

// Eval evaluates the predicate against one scalar record.
func (e *Expression) Eval(record ScalarMap) bool {
	return eval(e.root, record)
}

// EvalMask evaluates many records and returns the selection mask.
func (e *Expression) EvalMask(records []ScalarMap) []bool {
	mask := make([]bool, len(records))
	for i, r := range records {
		mask[i] = e.Eval(r)
	}
	return mask
}

func eval(node *ExprNode, record ScalarMap) bool {
	switch node.Op {
	case OpAnd:
		for _, c := range node.Children {
			if !eval(c, record) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range node.Children {
			if eval(c, record) {
				return true
			}
		}
		return false
	case OpNot:
		return !eval(node.Children[0], record)
	case OpIsNull:
		v, ok := record[node.Column]
		return !ok || v.Kind == KindNull
	}

	v, ok := record[node.Column]
	if !ok {
		return false
	}
	switch node.Op {
	case OpEq:
		return v.Equal(node.Operand)
	case OpLt:
		return v.Less(node.Operand)
	case OpLe:
		return v.Less(node.Operand) || v.Equal(node.Operand)
	case OpGt:
		return node.Operand.Less(v)
	case OpGe:
		return node.Operand.Less(v) || v.Equal(node.Operand)
	case OpLike:
		return v.Like(node.Operand)
	case OpIn:
		for _, item := range node.Operand.List {
			if v.Equal(item) {
				return true
			}
		}
		return false
	}
	return false
}

// EncodeScalarMap serializes a whole-map scalar payload for the scalar CF.
func EncodeScalarMap(m ScalarMap) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

// DecodeScalarMap deserializes a scalar CF payload.
func DecodeScalarMap(data []byte) (ScalarMap, error) {
	m := make(ScalarMap)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, errors.Annotate(kverrors.ErrCorruption, "malformed scalar map payload")
	}
	return m, nil
}

// EncodeScalarValue serializes one field value for the scalar_speedup CF.
func EncodeScalarValue(v ScalarValue) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

// DecodeScalarValue deserializes one speed-up CF payload.
func DecodeScalarValue(data []byte) (ScalarValue, error) {
	var v ScalarValue
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return ScalarValue{}, errors.Annotate(kverrors.ErrCorruption, "malformed scalar value payload")
	}
	return v, nil
}
