package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/syncd/internal/ir"
)

// LoadMode controls how errors are handled during schema loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// Load error codes.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
)

// LoadResult contains the schemas loaded from a directory.
type LoadResult struct {
	Schemas   []ir.EntitySchema // Sorted by name
	FileCount int
}

// LoadError represents an error that occurred during schema loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Line returns the source line of the error, or 0.
func (e *LoadError) Line() int {
	if e.Pos.IsValid() {
		return e.Pos.Line()
	}
	return 0
}

// Load compiles every entity under the top-level `entity` struct of the CUE
// package in dir, then checks each against knownRules (nil skips the rule
// name check).
func Load(dir string, mode LoadMode, knownRules map[string]bool) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schema directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing schema directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		loadErr := &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
		var cErr *CompileError
		if errors.As(formatCUEError(err), &cErr) {
			loadErr.Pos = cErr.Pos
		}
		return nil, []error{loadErr}
	}

	result := &LoadResult{FileCount: len(cueFiles)}
	errs := compileAll(value, mode, knownRules, result)
	if len(result.Schemas) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no entities found in schema"})
	}
	sort.Slice(result.Schemas, func(i, j int) bool {
		return result.Schemas[i].Name < result.Schemas[j].Name
	})
	return result, errs
}

func compileAll(value cue.Value, mode LoadMode, knownRules map[string]bool, result *LoadResult) []error {
	var errs []error

	entitiesVal := value.LookupPath(cue.ParsePath("entity"))
	if !entitiesVal.Exists() {
		return nil
	}
	iter, err := entitiesVal.Fields()
	if err != nil {
		return []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating entities: %v", err)}}
	}

	for iter.Next() {
		s, compileErr := CompileEntity(iter.Value())
		if compileErr != nil {
			errs = append(errs, convertCompileError(compileErr, "entity."+iter.Label()))
			if mode == LoadModeFailFast {
				return errs
			}
			continue
		}
		if verrs := Check(s, knownRules); len(verrs) > 0 {
			for _, v := range verrs {
				errs = append(errs, &LoadError{Code: v.Code, Message: fmt.Sprintf("%s: %s", v.Field, v.Message), Pos: iter.Value().Pos()})
			}
			if mode == LoadModeFailFast {
				return errs
			}
			continue
		}
		result.Schemas = append(result.Schemas, *s)
	}
	return errs
}

// CompileSource compiles schemas from one CUE source text, failing on the
// first error.
func CompileSource(filename, src string, knownRules map[string]bool) ([]ir.EntitySchema, error) {
	value := cuecontext.New().CompileString(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	result := &LoadResult{FileCount: 1}
	if errs := compileAll(value, LoadModeFailFast, knownRules, result); len(errs) > 0 {
		return nil, errs[0]
	}
	if len(result.Schemas) == 0 {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: "no entities found in schema"}
	}
	sort.Slice(result.Schemas, func(i, j int) bool {
		return result.Schemas[i].Name < result.Schemas[j].Name
	})
	return result.Schemas, nil
}

// LoadDir loads a schema directory, failing on the first error.
func LoadDir(dir string, knownRules map[string]bool) ([]ir.EntitySchema, error) {
	result, errs := Load(dir, LoadModeFailFast, knownRules)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return result.Schemas, nil
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError converts a compile error to a LoadError with position info.
func convertCompileError(err error, context string) *LoadError {
	var compileErr *CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    mapFieldToErrorCode(compileErr.Field),
			Message: fmt.Sprintf("%s: %s", context, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}

func mapFieldToErrorCode(field string) string {
	switch field {
	case "fields":
		return ErrEntityNoFields
	case "type":
		return ErrInvalidFieldType
	case "rules":
		return ErrUnknownRule
	case "default":
		return ErrInvalidRuleDefault
	default:
		return ErrCodeGeneric
	}
}
