package jitcore

import "fmt"

// VMType is the value type carried by an Expression: the JIT core
// only needs to distinguish enough type classes to pick LIR shapes and
// register classes — it never needs full verifier-level typing,
// that already happened before bytecode reached this core.
type VMType int

const (
	TVoid VMType = iota
	TInt32
	TInt64
	TFloat32
	TFloat64
	TRef
)

func (t VMType) is64() bool { return t == TInt64 || t == TFloat64 }
func (t VMType) isFloat() bool { return t == TFloat32 || t == TFloat64 }

// UnknownOffset marks a Statement/Expression whose originating bytecode
// offset could not be determined (inherited from a parent with none).
const UnknownOffset = -1

// BinOp / UnaryOp enumerate the operators BINOP/UNARY_OP and IF conditions
// carry.
type BinOp int

const (
	OpBinAdd BinOp = iota
	OpBinSub
	OpBinMul
	OpBinDiv
	OpBinRem
	OpBinAnd
	OpBinOr
	OpBinXor
	OpBinShl
	OpBinShr
	OpBinUshr
	// Comparison operators, used inside IF conditions. Reference
	// comparisons only admit Eq/Ne.
	OpCmpEq
	OpCmpNe
	OpCmpLt
	OpCmpGe
	OpCmpGt
	OpCmpLe
)

func (o BinOp) isCompare() bool { return o >= OpCmpEq }

type UnaryOp int

const (
	OpNeg UnaryOp = iota
)

// Expression is the HIR value-node union: a Go interface implemented by
// one concrete struct per node kind, owned uniquely (no refcounts) — the
// only would-be multi-parent cases are stack duplications, and
// hir_builder.go materializes those via an explicit Store to a
// fresh temporary before the value is pushed a second time, so no
// Expression node is ever shared by two parents in the finished tree.
type Expression interface {
	Type() VMType
	Offset() int
	setOffset(int)
	fmt.Stringer
}

// LValue is implemented by the Expression kinds legal as a Store
// destination: LOCAL, VAR, CLASS_FIELD, INSTANCE_FIELD, ARRAY_DEREF.
type LValue interface {
	Expression
	isLValue()
}

type exprBase struct {
	typ VMType
	off int
}

func (e *exprBase) Type() VMType   { return e.typ }
func (e *exprBase) Offset() int    { return e.off }
func (e *exprBase) setOffset(o int) { e.off = o }

// ValueExpr is an integer or reference immediate.
type ValueExpr struct {
	exprBase
	Val int64
}

func NewValueExpr(t VMType, v int64, off int) *ValueExpr {
	return &ValueExpr{exprBase{t, off}, v}
}
func (e *ValueExpr) String() string { return fmt.Sprintf("%d", e.Val) }

// FValueExpr is a float or double immediate.
type FValueExpr struct {
	exprBase
	Val float64
}

func NewFValueExpr(t VMType, v float64, off int) *FValueExpr {
	return &FValueExpr{exprBase{t, off}, v}
}
func (e *FValueExpr) String() string { return fmt.Sprintf("%g", e.Val) }

// LocalExpr is a read of a method local slot.
type LocalExpr struct {
	exprBase
	Index int
}

func NewLocalExpr(t VMType, idx, off int) *LocalExpr { return &LocalExpr{exprBase{t, off}, idx} }
func (e *LocalExpr) String() string                  { return fmt.Sprintf("local[%d]", e.Index) }
func (*LocalExpr) isLValue()                         {}

// TemporaryExpr is a compiler-introduced slot used
// to materialize a stack-carrying value across a block boundary or a
// stack-duplication point.
type TemporaryExpr struct {
	exprBase
	ID int
}

func NewTemporaryExpr(t VMType, id, off int) *TemporaryExpr {
	return &TemporaryExpr{exprBase{t, off}, id}
}
func (e *TemporaryExpr) String() string { return fmt.Sprintf("tmp%d", e.ID) }
func (*TemporaryExpr) isLValue()        {}

// VarExpr is a reference to an allocated virtual
// register, introduced by the instruction selector, not by the HIR
// builder — but modeled here since the Expression union is common to both.
type VarExpr struct {
	exprBase
	Var *VarInfo
}

func NewVarExpr(t VMType, v *VarInfo, off int) *VarExpr { return &VarExpr{exprBase{t, off}, v} }
func (e *VarExpr) String() string                        { return fmt.Sprintf("v%d", e.Var.ID) }
func (*VarExpr) isLValue()                               {}

// ArrayDerefExpr is ARRAY_DEREF(elem_type, ref_expr, index_expr).
type ArrayDerefExpr struct {
	exprBase
	Ref   Expression
	Index Expression
}

func NewArrayDerefExpr(elemType VMType, ref, index Expression, off int) *ArrayDerefExpr {
	return &ArrayDerefExpr{exprBase{elemType, off}, ref, index}
}
func (e *ArrayDerefExpr) String() string { return fmt.Sprintf("%s[%s]", e.Ref, e.Index) }
func (*ArrayDerefExpr) isLValue()        {}

// BinOpExpr is a two-operand arithmetic or comparison node.
type BinOpExpr struct {
	exprBase
	Op          BinOp
	Left, Right Expression
}

func NewBinOpExpr(t VMType, op BinOp, l, r Expression, off int) *BinOpExpr {
	return &BinOpExpr{exprBase{t, off}, op, l, r}
}
func (e *BinOpExpr) String() string { return fmt.Sprintf("(%s %d %s)", e.Left, e.Op, e.Right) }

// UnaryOpExpr is a single-operand arithmetic node.
type UnaryOpExpr struct {
	exprBase
	Op    UnaryOp
	Inner Expression
}

func NewUnaryOpExpr(t VMType, op UnaryOp, inner Expression, off int) *UnaryOpExpr {
	return &UnaryOpExpr{exprBase{t, off}, op, inner}
}
func (e *UnaryOpExpr) String() string { return fmt.Sprintf("(neg %s)", e.Inner) }

// ConversionExpr is CONVERSION(to_type, from).
type ConversionExpr struct {
	exprBase
	From Expression
}

func NewConversionExpr(to VMType, from Expression, off int) *ConversionExpr {
	return &ConversionExpr{exprBase{to, off}, from}
}
func (e *ConversionExpr) String() string { return fmt.Sprintf("(conv %s)", e.From) }

// ClassFieldExpr is CLASS_FIELD(type, field_handle): a static field access.
type ClassFieldExpr struct {
	exprBase
	Field *FieldHandle
}

func NewClassFieldExpr(t VMType, f *FieldHandle, off int) *ClassFieldExpr {
	return &ClassFieldExpr{exprBase{t, off}, f}
}
func (e *ClassFieldExpr) String() string { return fmt.Sprintf("%s.%s", e.Field.Owner.Name(), e.Field.Name) }
func (*ClassFieldExpr) isLValue()        {}

// InstanceFieldExpr is INSTANCE_FIELD(type, field_handle, object_expr).
type InstanceFieldExpr struct {
	exprBase
	Field  *FieldHandle
	Object Expression
}

func NewInstanceFieldExpr(t VMType, f *FieldHandle, obj Expression, off int) *InstanceFieldExpr {
	return &InstanceFieldExpr{exprBase{t, off}, f, obj}
}
func (e *InstanceFieldExpr) String() string { return fmt.Sprintf("%s.%s", e.Object, e.Field.Name) }
func (*InstanceFieldExpr) isLValue()        {}

// ArgsNode is the cons-list representation of an argument list: NO_ARGS,
// ARG(inner), ARGS_LIST(left,right). Folded right by buildArgsList so
// the leftmost argument ends up at the bottom of the tree, matching
// left-to-right evaluation order pushed in reverse by the bytecode walker.
type ArgsNode interface {
	Expression
	isArgsNode()
}

type NoArgsExpr struct{ exprBase }

func NewNoArgsExpr(off int) *NoArgsExpr { return &NoArgsExpr{exprBase{TVoid, off}} }
func (e *NoArgsExpr) String() string    { return "()" }
func (*NoArgsExpr) isArgsNode()         {}

type ArgExpr struct {
	exprBase
	Inner Expression
}

func NewArgExpr(inner Expression, off int) *ArgExpr { return &ArgExpr{exprBase{inner.Type(), off}, inner} }
func (e *ArgExpr) String() string                    { return fmt.Sprintf("arg(%s)", e.Inner) }
func (*ArgExpr) isArgsNode()                         {}

type ArgsListExpr struct {
	exprBase
	Left, Right ArgsNode
}

func NewArgsListExpr(left, right ArgsNode, off int) *ArgsListExpr {
	return &ArgsListExpr{exprBase{TVoid, off}, left, right}
}
func (e *ArgsListExpr) String() string { return fmt.Sprintf("%s, %s", e.Left, e.Right) }
func (*ArgsListExpr) isArgsNode()      {}

// buildArgsList folds args (already in left-to-right evaluation order)
// right into an ARGS_LIST tree, or NO_ARGS if there are none.
func buildArgsList(args []Expression, off int) ArgsNode {
	if len(args) == 0 {
		return NewNoArgsExpr(off)
	}
	var build func(i int) ArgsNode
	build = func(i int) ArgsNode {
		if i == len(args)-1 {
			return NewArgExpr(args[i], args[i].Offset())
		}
		return NewArgsListExpr(NewArgExpr(args[i], args[i].Offset()), build(i+1), args[i].Offset())
	}
	return build(0)
}

// flattenArgs walks an ArgsNode back into a left-to-right slice (used by
// the instruction selector).
func flattenArgs(n ArgsNode) []Expression {
	switch v := n.(type) {
	case *NoArgsExpr:
		return nil
	case *ArgExpr:
		return []Expression{v.Inner}
	case *ArgsListExpr:
		left := flattenArgs(v.Left)
		right := flattenArgs(v.Right)
		return append(left, right...)
	default:
		panic("jitcore: unreachable ArgsNode kind")
	}
}

// InvokeExpr is INVOKE(target_method, args_list): a static or resolved
// non-virtual call.
type InvokeExpr struct {
	exprBase
	Target *MethodHandle
	Args   ArgsNode
}

func NewInvokeExpr(t VMType, target *MethodHandle, args ArgsNode, off int) *InvokeExpr {
	return &InvokeExpr{exprBase{t, off}, target, args}
}
func (e *InvokeExpr) String() string {
	return fmt.Sprintf("invoke %s.%s(%s)", e.Target.Owner.Name(), e.Target.Name, e.Args)
}

// InvokeVirtualExpr is INVOKEVIRTUAL(target, args): virtual/interface
// dispatch, receiver is args' leftmost element.
type InvokeVirtualExpr struct {
	exprBase
	Target *MethodHandle
	Args   ArgsNode
}

func NewInvokeVirtualExpr(t VMType, target *MethodHandle, args ArgsNode, off int) *InvokeVirtualExpr {
	return &InvokeVirtualExpr{exprBase{t, off}, target, args}
}
func (e *InvokeVirtualExpr) String() string {
	return fmt.Sprintf("invokevirtual %s.%s(%s)", e.Target.Owner.Name(), e.Target.Name, e.Args)
}

// NewExpr is NEW(class).
type NewExpr struct {
	exprBase
	Class ClassHandle
}

func NewNewExpr(class ClassHandle, off int) *NewExpr { return &NewExpr{exprBase{TRef, off}, class} }
func (e *NewExpr) String() string                     { return fmt.Sprintf("new %s", e.Class.Name()) }

// NewArrayExpr is NEWARRAY(elem_type_tag, size).
type NewArrayExpr struct {
	exprBase
	ElemTag byte
	Size    Expression
}

func NewNewArrayExpr(elemTag byte, size Expression, off int) *NewArrayExpr {
	return &NewArrayExpr{exprBase{TRef, off}, elemTag, size}
}
func (e *NewArrayExpr) String() string { return fmt.Sprintf("newarray %d[%s]", e.ElemTag, e.Size) }

// ANewArrayExpr is ANEWARRAY(class, size).
type ANewArrayExpr struct {
	exprBase
	Class ClassHandle
	Size  Expression
}

func NewANewArrayExpr(class ClassHandle, size Expression, off int) *ANewArrayExpr {
	return &ANewArrayExpr{exprBase{TRef, off}, class, size}
}
func (e *ANewArrayExpr) String() string {
	return fmt.Sprintf("anewarray %s[%s]", e.Class.Name(), e.Size)
}

// ArrayLengthExpr is ARRAYLENGTH(ref).
type ArrayLengthExpr struct {
	exprBase
	Ref Expression
}

func NewArrayLengthExpr(ref Expression, off int) *ArrayLengthExpr {
	return &ArrayLengthExpr{exprBase{TInt32, off}, ref}
}
func (e *ArrayLengthExpr) String() string { return fmt.Sprintf("arraylength(%s)", e.Ref) }

// --- Statements ---

// Statement is the HIR side-effecting-node union; every statement carries
// a bytecode offset (possibly UnknownOffset).
type Statement interface {
	Offset() int
	fmt.Stringer
}

type stmtBase struct{ off int }

func (s stmtBase) Offset() int { return s.off }

type NopStmt struct{ stmtBase }

func (s *NopStmt) String() string { return "nop" }

// StoreStmt is STORE(dest_expr, src_expr); dest must be an LValue.
type StoreStmt struct {
	stmtBase
	Dest LValue
	Src  Expression
}

func NewStoreStmt(dest LValue, src Expression, off int) *StoreStmt {
	return &StoreStmt{stmtBase{off}, dest, src}
}
func (s *StoreStmt) String() string { return fmt.Sprintf("%s = %s", s.Dest, s.Src) }

// IfStmt is IF(cond, if_true_block).
type IfStmt struct {
	stmtBase
	Cond   *BinOpExpr
	IfTrue *BasicBlock
}

func NewIfStmt(cond *BinOpExpr, ifTrue *BasicBlock, off int) *IfStmt {
	return &IfStmt{stmtBase{off}, cond, ifTrue}
}
func (s *IfStmt) String() string { return fmt.Sprintf("if %s goto L%d", s.Cond, s.IfTrue.ID) }

type LabelStmt struct{ stmtBase }

func (s *LabelStmt) String() string { return "label" }

// GotoStmt is GOTO(target_block).
type GotoStmt struct {
	stmtBase
	Target *BasicBlock
}

func NewGotoStmt(target *BasicBlock, off int) *GotoStmt { return &GotoStmt{stmtBase{off}, target} }
func (s *GotoStmt) String() string                       { return fmt.Sprintf("goto L%d", s.Target.ID) }

// ReturnStmt is RETURN(value?).
type ReturnStmt struct {
	stmtBase
	Value Expression // nil for void return
}

func NewReturnStmt(value Expression, off int) *ReturnStmt { return &ReturnStmt{stmtBase{off}, value} }
func (s *ReturnStmt) String() string {
	if s.Value == nil {
		return "return"
	}
	return fmt.Sprintf("return %s", s.Value)
}

// ExpressionStmt is EXPRESSION(e): an expression evaluated for side
// effect, its value discarded.
type ExpressionStmt struct {
	stmtBase
	Expr Expression
}

func NewExpressionStmt(e Expression, off int) *ExpressionStmt { return &ExpressionStmt{stmtBase{off}, e} }
func (s *ExpressionStmt) String() string                       { return s.Expr.String() }

// NullCheckStmt is NULL_CHECK(ref).
type NullCheckStmt struct {
	stmtBase
	Ref Expression
}

func NewNullCheckStmt(ref Expression, off int) *NullCheckStmt { return &NullCheckStmt{stmtBase{off}, ref} }
func (s *NullCheckStmt) String() string                        { return fmt.Sprintf("null_check(%s)", s.Ref) }

// ArrayCheckStmt is ARRAY_CHECK(ref, index): the check consumes the
// array reference and index operands directly (built before any
// ARRAY_DEREF node exists), not the finished dereference expression.
type ArrayCheckStmt struct {
	stmtBase
	Ref   Expression
	Index Expression
}

func NewArrayCheckStmt(ref, index Expression, off int) *ArrayCheckStmt {
	return &ArrayCheckStmt{stmtBase{off}, ref, index}
}
func (s *ArrayCheckStmt) String() string { return fmt.Sprintf("array_check(%s, %s)", s.Ref, s.Index) }

// ThrowStmt is THROW(ref): the lowering of ATHROW. The core never inlines
// unwind logic here — it emits a call to the runtime throw helper, which
// never returns along the normal path.
type ThrowStmt struct {
	stmtBase
	Ref Expression
}

func NewThrowStmt(ref Expression, off int) *ThrowStmt { return &ThrowStmt{stmtBase{off}, ref} }
func (s *ThrowStmt) String() string                    { return fmt.Sprintf("throw(%s)", s.Ref) }

// MonitorEnterStmt / MonitorExitStmt are MONITOR_ENTER(ref) / MONITOR_EXIT(ref).
type MonitorEnterStmt struct {
	stmtBase
	Ref Expression
}

func NewMonitorEnterStmt(ref Expression, off int) *MonitorEnterStmt {
	return &MonitorEnterStmt{stmtBase{off}, ref}
}
func (s *MonitorEnterStmt) String() string { return fmt.Sprintf("monitorenter(%s)", s.Ref) }

type MonitorExitStmt struct {
	stmtBase
	Ref Expression
}

func NewMonitorExitStmt(ref Expression, off int) *MonitorExitStmt {
	return &MonitorExitStmt{stmtBase{off}, ref}
}
func (s *MonitorExitStmt) String() string { return fmt.Sprintf("monitorexit(%s)", s.Ref) }

// CheckCastStmt is CHECKCAST(ref, class).
type CheckCastStmt struct {
	stmtBase
	Ref   Expression
	Class ClassHandle
}

func NewCheckCastStmt(ref Expression, class ClassHandle, off int) *CheckCastStmt {
	return &CheckCastStmt{stmtBase{off}, ref, class}
}
func (s *CheckCastStmt) String() string { return fmt.Sprintf("checkcast(%s, %s)", s.Ref, s.Class.Name()) }
