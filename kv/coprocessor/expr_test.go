package coprocessor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
)

var testSchema = Schema{
	"color": {Kind: KindString, SpeedUp: true},
	"size":  {Kind: KindInt},
	"score": {Kind: KindFloat},
	"tags":  {Kind: KindList},
}

func mustCompile(t *testing.T, node *ExprNode) []byte {
	t.Helper()
	blob, err := Compile(node)
	require.NoError(t, err)
	return blob
}

func TestEqualityMapEvaluator(t *testing.T) {
	record := ScalarMap{
		"color": String("red"),
		"size":  Int(10),
		"score": Float(0.5),
	}
	require.True(t, record.MatchesAll(ScalarMap{"color": String("red")}))
	require.True(t, record.MatchesAll(ScalarMap{"color": String("red"), "size": Int(10)}))
	require.False(t, record.MatchesAll(ScalarMap{"color": String("blue")}))
	require.False(t, record.MatchesAll(ScalarMap{"missing": String("x")}))

	// Floats compare within an epsilon.
	require.True(t, record.MatchesAll(ScalarMap{"score": Float(0.5 + 1e-12)}))
	// Ints compare numerically against floats.
	require.True(t, record.MatchesAll(ScalarMap{"size": Float(10)}))
}

func TestListEquality(t *testing.T) {
	record := ScalarMap{"tags": List(String("a"), String("b"))}
	require.True(t, record.MatchesAll(ScalarMap{"tags": List(String("a"), String("b"))}))
	require.False(t, record.MatchesAll(ScalarMap{"tags": List(String("b"), String("a"))}))
	require.False(t, record.MatchesAll(ScalarMap{"tags": List(String("a"))}))
}

func TestExpressionRoundTrip(t *testing.T) {
	blob := mustCompile(t, &ExprNode{
		Op: OpAnd,
		Children: []*ExprNode{
			{Op: OpEq, Column: "color", Operand: String("red")},
			{Op: OpGt, Column: "size", Operand: Int(5)},
		},
	})
	expr, err := Open(blob, testSchema)
	require.NoError(t, err)
	require.Equal(t, []string{"color", "size"}, expr.Columns())

	require.True(t, expr.Eval(ScalarMap{"color": String("red"), "size": Int(6)}))
	require.False(t, expr.Eval(ScalarMap{"color": String("red"), "size": Int(5)}))
	require.False(t, expr.Eval(ScalarMap{"color": String("blue"), "size": Int(6)}))
	require.False(t, expr.Eval(ScalarMap{"size": Int(6)}))
}

func TestExpressionOperators(t *testing.T) {
	cases := []struct {
		node   *ExprNode
		record ScalarMap
		want   bool
	}{
		{&ExprNode{Op: OpLt, Column: "size", Operand: Int(5)}, ScalarMap{"size": Int(4)}, true},
		{&ExprNode{Op: OpLe, Column: "size", Operand: Int(5)}, ScalarMap{"size": Int(5)}, true},
		{&ExprNode{Op: OpGe, Column: "size", Operand: Int(5)}, ScalarMap{"size": Int(5)}, true},
		{&ExprNode{Op: OpLike, Column: "color", Operand: String("re%")}, ScalarMap{"color": String("red")}, true},
		{&ExprNode{Op: OpLike, Column: "color", Operand: String("r_d")}, ScalarMap{"color": String("red")}, true},
		{&ExprNode{Op: OpLike, Column: "color", Operand: String("r_d")}, ScalarMap{"color": String("read")}, false},
		{&ExprNode{Op: OpIn, Column: "color", Operand: List(String("red"), String("blue"))}, ScalarMap{"color": String("blue")}, true},
		{&ExprNode{Op: OpIn, Column: "color", Operand: List(String("red"))}, ScalarMap{"color": String("green")}, false},
		{&ExprNode{Op: OpIsNull, Column: "color"}, ScalarMap{}, true},
		{&ExprNode{Op: OpIsNull, Column: "color"}, ScalarMap{"color": String("red")}, false},
		{&ExprNode{Op: OpNot, Children: []*ExprNode{{Op: OpEq, Column: "color", Operand: String("red")}}}, ScalarMap{"color": String("blue")}, true},
		{&ExprNode{Op: OpOr, Children: []*ExprNode{
			{Op: OpEq, Column: "color", Operand: String("red")},
			{Op: OpEq, Column: "size", Operand: Int(1)},
		}}, ScalarMap{"color": String("x"), "size": Int(1)}, true},
	}
	for i, c := range cases {
		expr, err := Open(mustCompile(t, c.node), testSchema)
		require.NoError(t, err, "case %d", i)
		require.Equal(t, c.want, expr.Eval(c.record), "case %d", i)
	}
}

func TestSchemaValidation(t *testing.T) {
	// Unknown column.
	_, err := Open(mustCompile(t, &ExprNode{Op: OpEq, Column: "nope", Operand: String("x")}), testSchema)
	require.True(t, kverrors.Is(err, kverrors.ErrSchemaError))

	// Wrong operand type.
	_, err = Open(mustCompile(t, &ExprNode{Op: OpEq, Column: "size", Operand: String("x")}), testSchema)
	require.True(t, kverrors.Is(err, kverrors.ErrSchemaError))

	// Int/float interchange is allowed.
	_, err = Open(mustCompile(t, &ExprNode{Op: OpEq, Column: "score", Operand: Int(1)}), testSchema)
	require.NoError(t, err)

	// Garbage blob.
	_, err = Open([]byte("garbage"), testSchema)
	require.True(t, kverrors.Is(err, kverrors.ErrSchemaError))
}

func TestEvalMask(t *testing.T) {
	expr, err := Open(mustCompile(t, &ExprNode{Op: OpEq, Column: "color", Operand: String("red")}), testSchema)
	require.NoError(t, err)
	mask := expr.EvalMask([]ScalarMap{
		{"color": String("red")},
		{"color": String("blue")},
	})
	require.Equal(t, []bool{true, false}, mask)
}

func TestScalarMapCodec(t *testing.T) {
	m := ScalarMap{
		"color": String("red"),
		"size":  Int(7),
		"tags":  List(String("a"), Int(1)),
	}
	data, err := EncodeScalarMap(m)
	require.NoError(t, err)
	back, err := DecodeScalarMap(data)
	require.NoError(t, err)
	require.True(t, back["color"].Equal(String("red")))
	require.True(t, back["size"].Equal(Int(7)))
	require.True(t, back["tags"].Equal(List(String("a"), Int(1))))

	_, err = DecodeScalarMap([]byte("junk"))
	require.True(t, kverrors.Is(err, kverrors.ErrCorruption))
}

func TestSpeedUpCovered(t *testing.T) {
	require.True(t, testSchema.SpeedUpCovered([]string{"color"}))
	require.False(t, testSchema.SpeedUpCovered([]string{"color", "size"}))
	require.False(t, testSchema.SpeedUpCovered(nil))
}
