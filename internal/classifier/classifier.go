package classifier

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"conversion-backend/pkg/models"
)

// Classify groups a set of uploaded file descriptors into a single model
// bundle. It only ever inspects file names, never contents. Inert files
// (readmes, label lists) are ignored; any other unrecognized file fails
// classification. If more than one complete model could be formed the input
// is rejected as ambiguous rather than guessed at.
func Classify(files []models.FileRef) (models.ModelBundle, error) {
	var inputs []models.FileRef
	for _, f := range files {
		if isInert(f.Name) {
			continue
		}
		inputs = append(inputs, f)
	}

	if len(inputs) == 0 {
		return models.ModelBundle{}, unsupportedf("no model files found in upload")
	}

	for _, f := range inputs {
		if !isRecognized(f.Name) {
			return models.ModelBundle{}, unsupportedf("unrecognized file %q", f.Name)
		}
	}

	switch {
	case containsBase(inputs, "saved_model.pb"):
		return classifySavedModel(inputs)
	case anyExt(inputs, ".meta", ".index", ".ckpt") || anyShard(inputs):
		return classifyCheckpoint(inputs)
	case anyExt(inputs, ".prototxt", ".caffemodel"):
		return classifyPair(inputs, models.FormatCaffe, ".prototxt", models.RoleGraph, ".caffemodel", models.RoleWeights)
	case anyExt(inputs, ".cfg", ".weights"):
		return classifyPair(inputs, models.FormatDarknet, ".cfg", models.RoleConfig, ".weights", models.RoleWeights)
	default:
		return classifySingle(inputs)
	}
}

var singleFileFormats = map[string]models.ModelFormat{
	".onnx":    models.FormatONNX,
	".tflite":  models.FormatTFLite,
	".pt":      models.FormatPyTorch,
	".pth":     models.FormatPyTorch,
	".pytorch": models.FormatPyTorch,
}

var shardPattern = regexp.MustCompile(`^\.data-\d+-of-\d+$`)

var inertExts = map[string]bool{
	".txt":    true,
	".md":     true,
	".names":  true,
	".labels": true,
}

func isInert(name string) bool {
	base := strings.ToLower(path.Base(name))
	if inertExts[path.Ext(base)] {
		return true
	}
	// The extensionless "checkpoint" marker TensorFlow writes next to
	// checkpoint shards carries no model content.
	return base == "checkpoint" || strings.HasPrefix(base, "readme") || strings.HasPrefix(base, "license")
}

func isRecognized(name string) bool {
	ext := extOf(name)
	if _, ok := singleFileFormats[ext]; ok {
		return true
	}
	switch ext {
	case ".pb", ".prototxt", ".caffemodel", ".cfg", ".weights", ".meta", ".index", ".ckpt":
		return true
	}
	return shardPattern.MatchString(ext)
}

// extOf returns the lowercased extension, keeping the full ".data-X-of-Y"
// shard suffix intact.
func extOf(name string) string {
	return strings.ToLower(path.Ext(path.Base(name)))
}

// stemOf returns the basename with its extension and any trailing ".ckpt"
// alias stripped, so "model.ckpt.meta" and "model.index" group together.
func stemOf(name string) string {
	base := path.Base(name)
	stem := strings.TrimSuffix(base, path.Ext(base))
	return strings.TrimSuffix(stem, ".ckpt")
}

func containsBase(files []models.FileRef, base string) bool {
	for _, f := range files {
		if path.Base(f.Name) == base {
			return true
		}
	}
	return false
}

func anyExt(files []models.FileRef, exts ...string) bool {
	for _, f := range files {
		ext := extOf(f.Name)
		for _, e := range exts {
			if ext == e {
				return true
			}
		}
	}
	return false
}

func anyShard(files []models.FileRef) bool {
	for _, f := range files {
		if shardPattern.MatchString(extOf(f.Name)) {
			return true
		}
	}
	return false
}

func classifySingle(inputs []models.FileRef) (models.ModelBundle, error) {
	if len(inputs) > 1 {
		names := make([]string, len(inputs))
		for i, f := range inputs {
			names[i] = f.Name
		}
		return models.ModelBundle{}, ambiguousf("multiple candidate model files: %s", strings.Join(names, ", "))
	}

	f := inputs[0]
	ext := extOf(f.Name)

	if format, ok := singleFileFormats[ext]; ok {
		return models.ModelBundle{
			Format:      format,
			Roles:       map[string]models.FileRef{models.RoleModel: f},
			PrimaryRole: models.RoleModel,
		}, nil
	}

	if ext == ".pb" {
		return models.ModelBundle{
			Format:      models.FormatTensorflowFrozen,
			Roles:       map[string]models.FileRef{models.RoleGraph: f},
			PrimaryRole: models.RoleGraph,
		}, nil
	}

	return models.ModelBundle{}, unsupportedf("cannot classify lone file %q", f.Name)
}

func classifyPair(inputs []models.FileRef, format models.ModelFormat, primaryExt, primaryRole, secondaryExt, secondaryRole string) (models.ModelBundle, error) {
	type pair struct {
		primary, secondary *models.FileRef
	}
	stems := map[string]*pair{}
	var order []string

	for i := range inputs {
		f := inputs[i]
		ext := extOf(f.Name)
		if ext != primaryExt && ext != secondaryExt {
			return models.ModelBundle{}, ambiguousf("unexpected file %q alongside %s model files", f.Name, format)
		}

		stem := stemOf(f.Name)
		p, ok := stems[stem]
		if !ok {
			p = &pair{}
			stems[stem] = p
			order = append(order, stem)
		}
		if ext == primaryExt {
			if p.primary != nil {
				return models.ModelBundle{}, ambiguousf("duplicate %s file for stem %q", primaryExt, stem)
			}
			p.primary = &f
		} else {
			if p.secondary != nil {
				return models.ModelBundle{}, ambiguousf("duplicate %s file for stem %q", secondaryExt, stem)
			}
			p.secondary = &f
		}
	}

	var complete []string
	for _, stem := range order {
		p := stems[stem]
		if p.primary != nil && p.secondary != nil {
			complete = append(complete, stem)
		}
	}

	if len(complete) > 1 {
		return models.ModelBundle{}, ambiguousf("multiple complete %s models: stems %s", format, strings.Join(complete, ", "))
	}
	if len(complete) == 0 {
		stem := order[0]
		missing := primaryExt
		if stems[stem].primary != nil {
			missing = secondaryExt
		}
		return models.ModelBundle{}, missingRolef("%s model %q is missing its %s file", format, stem, missing)
	}
	if len(complete) == 1 && len(stems) > 1 {
		return models.ModelBundle{}, ambiguousf("extra %s files do not belong to model %q", format, complete[0])
	}

	p := stems[complete[0]]
	return models.ModelBundle{
		Format: format,
		Roles: map[string]models.FileRef{
			primaryRole:   *p.primary,
			secondaryRole: *p.secondary,
		},
		PrimaryRole: primaryRole,
	}, nil
}

func classifySavedModel(inputs []models.FileRef) (models.ModelBundle, error) {
	var graph *models.FileRef
	var variables []models.FileRef

	for i := range inputs {
		f := inputs[i]
		switch {
		case path.Base(f.Name) == "saved_model.pb":
			if graph != nil {
				return models.ModelBundle{}, ambiguousf("multiple saved_model.pb files in upload")
			}
			graph = &f
		case strings.Contains(f.Name, "variables/"):
			variables = append(variables, f)
		default:
			return models.ModelBundle{}, ambiguousf("unexpected file %q alongside a SavedModel", f.Name)
		}
	}

	if len(variables) == 0 {
		return models.ModelBundle{}, missingRolef("SavedModel is missing its variables files")
	}

	// The variables index leads; remaining variables files ride along as
	// shards for the engine.
	sort.Slice(variables, func(i, j int) bool { return variables[i].Name < variables[j].Name })
	lead := 0
	for i, f := range variables {
		if extOf(f.Name) == ".index" {
			lead = i
			break
		}
	}

	shards := make([]models.FileRef, 0, len(variables)-1)
	shards = append(shards, variables[:lead]...)
	shards = append(shards, variables[lead+1:]...)

	return models.ModelBundle{
		Format: models.FormatTensorflowSavedModel,
		Roles: map[string]models.FileRef{
			models.RoleGraph:     *graph,
			models.RoleVariables: variables[lead],
		},
		PrimaryRole: models.RoleGraph,
		DataShards:  shards,
	}, nil
}

func classifyCheckpoint(inputs []models.FileRef) (models.ModelBundle, error) {
	var meta, index *models.FileRef
	var shards, aliases []models.FileRef
	stems := map[string]bool{}

	note := func(f models.FileRef) error {
		stem := stemOf(f.Name)
		stems[stem] = true
		if len(stems) > 1 {
			keys := make([]string, 0, len(stems))
			for s := range stems {
				keys = append(keys, s)
			}
			sort.Strings(keys)
			return ambiguousf("checkpoint files span multiple stems: %s", strings.Join(keys, ", "))
		}
		return nil
	}

	for i := range inputs {
		f := inputs[i]
		ext := extOf(f.Name)
		switch {
		case ext == ".meta":
			if meta != nil {
				return models.ModelBundle{}, ambiguousf("multiple .meta files in upload")
			}
			meta = &f
		case ext == ".index":
			if index != nil {
				return models.ModelBundle{}, ambiguousf("multiple .index files in upload")
			}
			index = &f
		case shardPattern.MatchString(ext):
			shards = append(shards, f)
		case ext == ".ckpt":
			aliases = append(aliases, f)
		default:
			return models.ModelBundle{}, ambiguousf("unexpected file %q alongside checkpoint files", f.Name)
		}
		if err := note(f); err != nil {
			return models.ModelBundle{}, err
		}
	}

	if meta == nil {
		return models.ModelBundle{}, missingRolef("checkpoint is missing its .meta file")
	}
	if index == nil {
		return models.ModelBundle{}, missingRolef("checkpoint is missing its .index file")
	}
	if len(shards) == 0 {
		return models.ModelBundle{}, missingRolef("checkpoint is missing its .data shard files")
	}

	sort.Slice(shards, func(i, j int) bool { return shards[i].Name < shards[j].Name })

	extra := make([]models.FileRef, 0, len(shards)-1+len(aliases))
	extra = append(extra, shards[1:]...)
	extra = append(extra, aliases...)

	return models.ModelBundle{
		Format: models.FormatTensorflowCheckpoint,
		Roles: map[string]models.FileRef{
			models.RoleMeta:  *meta,
			models.RoleIndex: *index,
			models.RoleData:  shards[0],
		},
		PrimaryRole: models.RoleMeta,
		DataShards:  extra,
	}, nil
}

// DescribeBundle renders a short human readable summary used in task logs.
func DescribeBundle(b models.ModelBundle) string {
	roles := make([]string, 0, len(b.Roles))
	for role := range b.Roles {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	parts := make([]string, len(roles))
	for i, role := range roles {
		parts[i] = fmt.Sprintf("%s=%s", role, b.Roles[role].Name)
	}
	return fmt.Sprintf("%s (%s)", b.Format, strings.Join(parts, ", "))
}
