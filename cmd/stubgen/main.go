// Command stubgen writes a stub contract for a Go interface, so that code can hold the
// interface while a stub factory or caller proxy fills in the forwarding.
//
//	stubgen -in calc.go -type Calc [-out calc_stub.go]
//
// A method shaped Name() *stub.Event[T] becomes an event; every other method becomes a
// func field that the generated method forwards to.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"go/types"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
)

const defaultStubPackage = "stubrpc/stub"

func main() {
	in := flag.String("in", "", "Go source file declaring the interface")
	typeName := flag.String("type", "", "interface name")
	out := flag.String("out", "", "output file (default <in>_stub.go)")
	stubPkg := flag.String("stubpkg", defaultStubPackage, "import path of the stub package")
	flag.Parse()
	if *in == "" || *typeName == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := generateFile(*in, *typeName, *out, *stubPkg); err != nil {
		fmt.Fprintln(os.Stderr, "stubgen:", err)
		os.Exit(1)
	}
}

func generateFile(in, typeName, out, stubPkg string) error {
	src, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	code, err := Generate(in, src, typeName, stubPkg)
	if err != nil {
		return err
	}
	if out == "" {
		out = strings.TrimSuffix(in, ".go") + "_stub.go"
	}
	return os.WriteFile(out, code, 0o644)
}

// Generate returns the formatted source of <typeName>Stub for the interface declared in src.
func Generate(filename string, src []byte, typeName, stubPkg string) ([]byte, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, filename, src, 0)
	if err != nil {
		return nil, err
	}
	iface, err := findInterface(f, typeName)
	if err != nil {
		return nil, err
	}

	imports := make(map[string]string) // local name → path
	for _, spec := range f.Imports {
		p, _ := strconv.Unquote(spec.Path.Value)
		name := path.Base(p)
		if spec.Name != nil {
			name = spec.Name.Name
		}
		imports[name] = p
	}
	stubName := path.Base(stubPkg)
	for name, p := range imports {
		if p == stubPkg {
			stubName = name
		}
	}
	imports[stubName] = stubPkg
	used := make(map[string]bool)

	g := &gen{stubName: stubName, stub: typeName + "Stub"}
	for _, field := range iface.Methods.List {
		ft, ok := field.Type.(*ast.FuncType)
		if !ok || len(field.Names) == 0 {
			return nil, fmt.Errorf("%s: embedded interfaces are not supported", typeName)
		}
		markSelectors(ft, used)
		if err := g.method(field.Names[0].Name, ft); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", typeName, field.Names[0].Name, err)
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "// Code generated by stubgen from %s. DO NOT EDIT.\n\n", path.Base(filename))
	fmt.Fprintf(&buf, "package %s\n\n", f.Name.Name)
	buf.WriteString("import (\n")
	names := make([]string, 0, len(used))
	for name := range used {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, ok := imports[name]
		if !ok {
			return nil, fmt.Errorf("%s: package %s is not imported", filename, name)
		}
		if name == path.Base(p) {
			fmt.Fprintf(&buf, "\t%q\n", p)
		} else {
			fmt.Fprintf(&buf, "\t%s %q\n", name, p)
		}
	}
	buf.WriteString(")\n\n")
	fmt.Fprintf(&buf, "// %s is the stub contract for %s.\n", g.stub, typeName)
	fmt.Fprintf(&buf, "type %s struct {\n%s}\n\n", g.stub, g.fields.String())
	fmt.Fprintf(&buf, "var _ %s = (*%s)(nil)\n\n", typeName, g.stub)
	buf.Write(g.methods.Bytes())
	return format.Source(buf.Bytes())
}

func findInterface(f *ast.File, name string) (*ast.InterfaceType, error) {
	for _, decl := range f.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.TYPE {
			continue
		}
		for _, spec := range gd.Specs {
			ts := spec.(*ast.TypeSpec)
			if ts.Name.Name != name {
				continue
			}
			if ts.TypeParams != nil {
				return nil, fmt.Errorf("%s: generic interfaces are not supported", name)
			}
			iface, ok := ts.Type.(*ast.InterfaceType)
			if !ok {
				return nil, fmt.Errorf("%s is not an interface", name)
			}
			return iface, nil
		}
	}
	return nil, fmt.Errorf("type %s not found", name)
}

func markSelectors(n ast.Node, used map[string]bool) {
	ast.Inspect(n, func(n ast.Node) bool {
		if sel, ok := n.(*ast.SelectorExpr); ok {
			if id, ok := sel.X.(*ast.Ident); ok {
				used[id.Name] = true
			}
		}
		return true
	})
}

type gen struct {
	stubName string
	stub     string
	fields   bytes.Buffer
	methods  bytes.Buffer
}

func (g *gen) method(name string, ft *ast.FuncType) error {
	if payload, ok := g.eventPayload(ft); ok {
		fmt.Fprintf(&g.fields, "\t%sEvent %s.Event[%s] `stub:%q`\n", name, g.stubName, payload, name)
		fmt.Fprintf(&g.methods, "func (s *%s) %s() *%s.Event[%s] { return &s.%sEvent }\n\n",
			g.stub, name, g.stubName, payload, name)
		return nil
	}

	var params, args []string
	if ft.Params != nil {
		for _, p := range ft.Params.List {
			if _, ok := p.Type.(*ast.Ellipsis); ok {
				return errors.New("variadic parameters are not supported")
			}
			typ := types.ExprString(p.Type)
			names := p.Names
			if len(names) == 0 {
				names = []*ast.Ident{{Name: "_"}}
			}
			for _, n := range names {
				arg := n.Name
				if arg == "_" {
					arg = "p" + strconv.Itoa(len(args))
				}
				params = append(params, arg+" "+typ)
				args = append(args, arg)
			}
		}
	}
	results := resultList(ft.Results)
	sig := "(" + strings.Join(params, ", ") + ")" + results
	fmt.Fprintf(&g.fields, "\t%sFunc func%s `stub:%q`\n", name, sig, name)

	call := fmt.Sprintf("s.%sFunc(%s)", name, strings.Join(args, ", "))
	if results != "" {
		call = "return " + call
	}
	fmt.Fprintf(&g.methods, "func (s *%s) %s%s { %s }\n\n", g.stub, name, sig, call)
	return nil
}

// eventPayload matches Name() *stub.Event[T].
func (g *gen) eventPayload(ft *ast.FuncType) (string, bool) {
	if ft.Params != nil && len(ft.Params.List) > 0 {
		return "", false
	}
	if ft.Results == nil || len(ft.Results.List) != 1 || len(ft.Results.List[0].Names) > 1 {
		return "", false
	}
	star, ok := ft.Results.List[0].Type.(*ast.StarExpr)
	if !ok {
		return "", false
	}
	idx, ok := star.X.(*ast.IndexExpr)
	if !ok {
		return "", false
	}
	sel, ok := idx.X.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Event" {
		return "", false
	}
	if pkg, ok := sel.X.(*ast.Ident); !ok || pkg.Name != g.stubName {
		return "", false
	}
	return types.ExprString(idx.Index), true
}

// resultList renders results without names, as the stub drops them anyway.
func resultList(fl *ast.FieldList) string {
	if fl == nil || len(fl.List) == 0 {
		return ""
	}
	var out []string
	for _, f := range fl.List {
		n := max(len(f.Names), 1)
		for range n {
			out = append(out, types.ExprString(f.Type))
		}
	}
	if len(out) == 1 {
		return " " + out[0]
	}
	return " (" + strings.Join(out, ", ") + ")"
}
