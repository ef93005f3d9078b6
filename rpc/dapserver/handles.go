package dapserver

const startHandle = 1000

// handlesMap maps runtime objects (frames, variable containers) to the
// opaque integer references the wire protocol carries. References are
// only valid for a single stop; reset discards them all when execution
// resumes. Based on
// https://github.com/microsoft/vscode-debugadapter-node/blob/master/adapter/src/handles.ts
type handlesMap struct {
	nextHandle    int
	handleToVal   map[int]interface{}
	aliasToHandle map[string]int
}

func newHandlesMap() *handlesMap {
	return &handlesMap{
		nextHandle:    startHandle,
		handleToVal:   make(map[int]interface{}),
		aliasToHandle: make(map[string]int),
	}
}

func (hs *handlesMap) create(alias string, value interface{}) int {
	if handle, ok := hs.aliasToHandle[alias]; ok {
		hs.handleToVal[handle] = value
		return handle
	}
	next := hs.nextHandle
	hs.nextHandle++
	hs.handleToVal[next] = value
	hs.aliasToHandle[alias] = next
	return next
}

func (hs *handlesMap) get(handle int) (interface{}, bool) {
	v, ok := hs.handleToVal[handle]
	return v, ok
}

func (hs *handlesMap) lookupHandle(alias string) (int, bool) {
	handle, ok := hs.aliasToHandle[alias]
	return handle, ok
}

// reset drops every handle. The counter keeps increasing so a stale
// reference from before the reset can never alias a new object.
func (hs *handlesMap) reset() {
	hs.handleToVal = make(map[int]interface{})
	hs.aliasToHandle = make(map[string]int)
}
