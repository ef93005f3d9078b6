package metadata

import "github.com/viewizard/dncdbg-go/internal/dbgapi"

// Attributes that mark code as non-user. DebuggerHidden only
// suppresses JMC on methods; applying it to a class has no effect.
const (
	attrDebuggerNonUserCode = "DebuggerNonUserCode"
	attrDebuggerStepThrough = "DebuggerStepThrough"
	attrDebuggerHidden      = "DebuggerHidden"
)

// ApplyJMC enables Just-My-Code at the module level, then disables it
// on every method whose own or declaring-type custom attributes mark
// it non-user. Runtime refusals are ignored; the breakpoint facade's
// frame check still consults IsUserMethod at hit time.
func ApplyJMC(mod dbgapi.Module) {
	md := mod.Metadata()
	mod.SetJMCStatus(true, nil)

	var nonUser []dbgapi.MethodToken
	for _, m := range md.Methods() {
		if !isUserMethod(md, m) {
			nonUser = append(nonUser, m.Token)
		}
	}
	if len(nonUser) > 0 {
		mod.SetJMCStatus(false, nonUser)
	}
}

// IsUserMethod reports whether a method counts as "user code" for JMC
// purposes: neither it nor its declaring type carries
// DebuggerNonUserCode or DebuggerStepThrough, and it itself does not
// carry DebuggerHidden (a class-level DebuggerHidden has no effect).
func IsUserMethod(md dbgapi.Metadata, m dbgapi.MethodDef) bool {
	return isUserMethod(md, m)
}

func isUserMethod(md dbgapi.Metadata, m dbgapi.MethodDef) bool {
	for _, attr := range md.CustomAttributes(m.Token) {
		if attr == attrDebuggerNonUserCode || attr == attrDebuggerStepThrough || attr == attrDebuggerHidden {
			return false
		}
	}
	for _, attr := range md.TypeCustomAttributes(m.TypeName) {
		if attr == attrDebuggerNonUserCode || attr == attrDebuggerStepThrough {
			return false
		}
	}
	return true
}
