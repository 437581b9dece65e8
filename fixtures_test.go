package jitcore

// Test fixtures shared across the package's _test.go files: a minimal
// Method/ClassHandle pair good enough to drive the pipeline end to end
// without a real class loader or object model behind it.

type fakeClass struct {
	name        string
	super       *fakeClass
	vtable      map[string]int
	fields      map[string]fakeField
	instanceSz  int
}

type fakeField struct {
	offset int
	static bool
}

func newFakeClass(name string) *fakeClass {
	return &fakeClass{name: name, vtable: make(map[string]int), fields: make(map[string]fakeField)}
}

func (c *fakeClass) Name() string { return c.name }

func (c *fakeClass) Super() ClassHandle {
	if c.super == nil {
		return nil
	}
	return c.super
}

func (c *fakeClass) MethodTableIndex(name, descriptor string) (int, bool) {
	idx, ok := c.vtable[name+descriptor]
	return idx, ok
}

func (c *fakeClass) InterfaceMethodTableIndex(iface ClassHandle, name, descriptor string) (int, bool) {
	return c.MethodTableIndex(name, descriptor)
}

func (c *fakeClass) FieldOffset(name string) (int, bool, bool) {
	f, ok := c.fields[name]
	return f.offset, f.static, ok
}

func (c *fakeClass) InstanceSize() int { return c.instanceSz }

type fakeMethod struct {
	name       string
	descriptor string
	flags      AccessFlag
	argCount   int
	maxStack   int
	maxLocals  int
	code       []byte
	excTable   []ExceptionTableEntry
	lineTable  []LineTableEntry
	owner      ClassHandle
	vtableIdx  int

	tramp *Trampoline
	entry uintptr

	// setEntryCalls counts SetCompiledEntry invocations: the compile-once
	// latch means it must only ever reach 1, however many callers race.
	setEntryCalls int
}

func newFakeMethod(name string, code []byte, argCount, maxStack, maxLocals int) *fakeMethod {
	return &fakeMethod{
		name:       name,
		descriptor: "()I",
		argCount:   argCount,
		maxStack:   maxStack,
		maxLocals:  maxLocals,
		code:       code,
		owner:      newFakeClass("Test"),
		tramp:      NewTrampoline(false),
	}
}

func (m *fakeMethod) Name() string                       { return m.name }
func (m *fakeMethod) Descriptor() string                 { return m.descriptor }
func (m *fakeMethod) AccessFlags() AccessFlag            { return m.flags }
func (m *fakeMethod) ArgCount() int                      { return m.argCount }
func (m *fakeMethod) MaxStack() int                      { return m.maxStack }
func (m *fakeMethod) MaxLocals() int                     { return m.maxLocals }
func (m *fakeMethod) Code() []byte                       { return m.code }
func (m *fakeMethod) ExceptionTable() []ExceptionTableEntry { return m.excTable }
func (m *fakeMethod) LineNumberTable() []LineTableEntry  { return m.lineTable }
func (m *fakeMethod) Owner() ClassHandle                 { return m.owner }
func (m *fakeMethod) MethodTableIndex() int              { return m.vtableIdx }
func (m *fakeMethod) Trampoline() *Trampoline            { return m.tramp }
func (m *fakeMethod) CompiledEntry() uintptr { return m.entry }
func (m *fakeMethod) SetCompiledEntry(e uintptr) {
	m.entry = e
	m.setEntryCalls++
}

type fakeResolver struct {
	classes map[int]ClassHandle
	fields  map[int]*FieldHandle
	methods map[int]*MethodHandle
	consts  map[int]ConstantValue
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		classes: make(map[int]ClassHandle),
		fields:  make(map[int]*FieldHandle),
		methods: make(map[int]*MethodHandle),
		consts:  make(map[int]ConstantValue),
	}
}

func (r *fakeResolver) ResolveClass(cpIndex int) (ClassHandle, error) {
	if c, ok := r.classes[cpIndex]; ok {
		return c, nil
	}
	return nil, &LinkageError{Msg: "no such class entry"}
}

func (r *fakeResolver) ResolveField(cpIndex int) (*FieldHandle, error) {
	if f, ok := r.fields[cpIndex]; ok {
		return f, nil
	}
	return nil, &LinkageError{Msg: "no such field entry"}
}

func (r *fakeResolver) ResolveMethod(cpIndex int) (*MethodHandle, error) {
	if mh, ok := r.methods[cpIndex]; ok {
		return mh, nil
	}
	return nil, &LinkageError{Msg: "no such method entry"}
}

func (r *fakeResolver) ResolveInterfaceMethod(cpIndex int) (*MethodHandle, error) {
	return r.ResolveMethod(cpIndex)
}

func (r *fakeResolver) ResolveConstant(cpIndex int) (ConstantValue, error) {
	if v, ok := r.consts[cpIndex]; ok {
		return v, nil
	}
	return ConstantValue{}, &LinkageError{Msg: "no such constant entry"}
}

type fakeAllocator struct{ next uintptr }

func (a *fakeAllocator) AllocObject(class ClassHandle) (uintptr, error) {
	a.next += 16
	return a.next, nil
}

func (a *fakeAllocator) AllocTypeArray(elemTag byte, size int) (uintptr, error) {
	a.next += 16
	return a.next, nil
}

func (a *fakeAllocator) AllocArray(class ClassHandle, size, elemSize int) (uintptr, error) {
	a.next += 16
	return a.next, nil
}

type fakeMonitor struct{ locked map[uintptr]int }

func newFakeMonitor() *fakeMonitor { return &fakeMonitor{locked: make(map[uintptr]int)} }

func (m *fakeMonitor) ObjectLock(ref uintptr)   { m.locked[ref]++ }
func (m *fakeMonitor) ObjectUnlock(ref uintptr) { m.locked[ref]-- }

type fakeSubtype struct{}

func (fakeSubtype) IsInstanceOf(class ClassHandle, objClass ClassHandle) bool {
	for c := objClass; c != nil; c = c.Super() {
		if c.Name() == class.Name() {
			return true
		}
	}
	return false
}

func newFakeRuntime() *Runtime {
	return &Runtime{
		Resolver:  newFakeResolver(),
		Allocator: &fakeAllocator{},
		Monitor:   newFakeMonitor(),
		Subtype:   fakeSubtype{},
	}
}
