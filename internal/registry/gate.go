package registry

import (
	"go/ast"
	"go/parser"
	"go/token"
	"strings"

	"github.com/shisetsu-ai/bunki/internal/model"
)

// EntryPoint is the exported function every dynamic submission must define:
//
//	func Analyze(input string) (string, error)
const EntryPoint = "Analyze"

// allowedImports is the closed set of importable packages for dynamic
// functions. Everything else, notably anything granting process,
// filesystem, network, or reflection capability, is rejected by name.
var allowedImports = map[string]bool{
	"bytes":         true,
	"encoding/json": true,
	"errors":        true,
	"fmt":           true,
	"math":          true,
	"regexp":        true,
	"sort":          true,
	"strconv":       true,
	"strings":       true,
	"time":          true,
	"unicode":       true,
}

// CheckSource statically vets a dynamic submission before it ever reaches
// the interpreter. Verdicts name the offending construct: a disallowed
// import path, a cgo or dot import, a go statement (which would outlive the
// execution deadline), or a bodyless function declaration. A source that
// parses and imports cleanly must still define the entry point with the
// exact contract signature.
func CheckSource(src string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "function.go", src, parser.SkipObjectResolution)
	if err != nil {
		return model.Wrap(model.KindSyntaxError, "source does not parse", err)
	}
	if file.Name.Name != "main" {
		return model.Ef(model.KindSyntaxError, "package must be %q, got %q", "main", file.Name.Name)
	}

	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if path == "C" {
			return model.E(model.KindSecurityViolation, `cgo (import "C") is not permitted`)
		}
		if imp.Name != nil && imp.Name.Name == "." {
			return model.Ef(model.KindSecurityViolation, "dot import of %q is not permitted", path)
		}
		if !allowedImports[path] {
			return model.Ef(model.KindSecurityViolation, "import %q is not permitted", path)
		}
	}

	var entry *ast.FuncDecl
	var violation error
	ast.Inspect(file, func(n ast.Node) bool {
		if violation != nil {
			return false
		}
		switch node := n.(type) {
		case *ast.GoStmt:
			violation = model.E(model.KindSecurityViolation, "go statements are not permitted")
			return false
		case *ast.FuncDecl:
			if node.Body == nil {
				violation = model.Ef(model.KindSecurityViolation,
					"function %s has no body (externally linked declarations are not permitted)", node.Name.Name)
				return false
			}
			if node.Recv == nil && node.Name.Name == EntryPoint {
				entry = node
			}
		}
		return true
	})
	if violation != nil {
		return violation
	}

	if entry == nil {
		return model.Ef(model.KindSyntaxError,
			"missing entry point: func %s(input string) (string, error)", EntryPoint)
	}
	if !entrySignatureOK(entry.Type) {
		return model.Ef(model.KindSyntaxError,
			"entry point %s must have signature func(input string) (string, error)", EntryPoint)
	}
	return nil
}

// entrySignatureOK checks the contract shape: exactly one string parameter
// and (string, error) results, with no type parameters.
func entrySignatureOK(ft *ast.FuncType) bool {
	if ft.TypeParams != nil {
		return false
	}
	if fieldCount(ft.Params) != 1 || !isIdent(ft.Params.List[0].Type, "string") {
		return false
	}
	if ft.Results == nil || fieldCount(ft.Results) != 2 {
		return false
	}
	return isIdent(ft.Results.List[0].Type, "string") && isIdent(ft.Results.List[len(ft.Results.List)-1].Type, "error")
}

// fieldCount counts declared names across a field list; an anonymous field
// counts once.
func fieldCount(fl *ast.FieldList) int {
	if fl == nil {
		return 0
	}
	n := 0
	for _, f := range fl.List {
		if len(f.Names) == 0 {
			n++
		} else {
			n += len(f.Names)
		}
	}
	return n
}

func isIdent(expr ast.Expr, name string) bool {
	id, ok := expr.(*ast.Ident)
	return ok && id.Name == name
}
