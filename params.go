package pacoh

//////
// Const, vars, types.
//////

// ParamGroup is one named tensor shape in a parameter schema. Shapes are at
// most two-dimensional (rows x cols); vectors use a single row.
type ParamGroup struct {
	// Name is the unique, dot-separated group name (e.g. "mean_nn.fc_1.weight").
	Name string

	// Rows and Cols describe the declared tensor shape.
	Rows, Cols int

	// Offset is the position of the group's first element within the flat
	// parameter vector, in schema order.
	Offset int
}

// Size returns the number of scalar elements of the group.
func (g ParamGroup) Size() int { return g.Rows * g.Cols }

// NamedShape is a (name, shape) pair used when registering sub-modules.
type NamedShape struct {
	Name string
	Rows int
	Cols int
}

// ParamRegistry is an ordered mapping from parameter-group names to shapes.
// It lets a model declare named tensors (or whole sub-modules, with prefixed
// names) and convert between the named representation and one flat parameter
// vector. The registry is the single source of truth for the parameter
// schema shared by the GP model, the hierarchical prior and the variational
// posterior.
//
// The registry itself never owns parameter values; values live in flat
// vectors that are sliced per group on demand. This is what allows many
// sampled parameter vectors to materialize independent model instances
// without mutating any shared state.
type ParamRegistry struct {
	groups []ParamGroup
	byName map[string]int
	total  int
}

//////
// Methods.
//////

// Declare registers a named leaf parameter group with the given shape.
// Declaring an already-registered name is a programming error and panics.
func (r *ParamRegistry) Declare(name string, rows, cols int) {
	if name == "" {
		panic("pacoh: parameter group name must not be empty")
	}

	if rows < 1 || cols < 1 {
		panic("pacoh: parameter group shape must be positive")
	}

	if _, ok := r.byName[name]; ok {
		panic("pacoh: parameter group already registered: " + name)
	}

	r.byName[name] = len(r.groups)
	r.groups = append(r.groups, ParamGroup{
		Name:   name,
		Rows:   rows,
		Cols:   cols,
		Offset: r.total,
	})
	r.total += rows * cols
}

// DeclareModule registers every parameter of a sub-module, prefixing each
// name with "prefix.".
func (r *ParamRegistry) DeclareModule(prefix string, shapes []NamedShape) {
	for _, s := range shapes {
		r.Declare(prefix+"."+s.Name, s.Rows, s.Cols)
	}
}

// Groups returns the schema in declaration order.
func (r *ParamRegistry) Groups() []ParamGroup { return r.groups }

// GroupNames returns the ordered group names.
func (r *ParamRegistry) GroupNames() []string {
	names := make([]string, len(r.groups))
	for i, g := range r.groups {
		names[i] = g.Name
	}

	return names
}

// Group looks up a group by name. The second return value reports whether
// the name is registered.
func (r *ParamRegistry) Group(name string) (ParamGroup, bool) {
	idx, ok := r.byName[name]
	if !ok {
		return ParamGroup{}, false
	}

	return r.groups[idx], true
}

// NumParams returns the total flat-vector length of the schema.
func (r *ParamRegistry) NumParams() int { return r.total }

// Slice returns the view of the flat vector belonging to the named group.
// The returned slice aliases vec; callers that need an independent copy must
// use SetFromVector instead.
func (r *ParamRegistry) Slice(vec []float64, name string) []float64 {
	if len(vec) != r.total {
		panic("pacoh: flat vector length does not match schema")
	}

	g, ok := r.Group(name)
	if !ok {
		panic("pacoh: unknown parameter group: " + name)
	}

	return vec[g.Offset : g.Offset+g.Size()]
}

// AsVector concatenates named parameter values into one flat vector in
// schema order. Every declared group must be present with its declared size.
func (r *ParamRegistry) AsVector(named map[string][]float64) []float64 {
	vec := make([]float64, r.total)

	for _, g := range r.groups {
		vals, ok := named[g.Name]
		if !ok {
			panic("pacoh: missing parameter group: " + g.Name)
		}

		if len(vals) != g.Size() {
			panic("pacoh: parameter group size mismatch: " + g.Name)
		}

		copy(vec[g.Offset:g.Offset+g.Size()], vals)
	}

	return vec
}

// SetFromVector splits a flat vector into a named mapping with deep,
// independent copies of each group's values. Mutating the returned mapping
// never affects vec or any other materialized instance.
func (r *ParamRegistry) SetFromVector(vec []float64) map[string][]float64 {
	if len(vec) != r.total {
		panic("pacoh: flat vector length does not match schema")
	}

	named := make(map[string][]float64, len(r.groups))
	for _, g := range r.groups {
		vals := make([]float64, g.Size())
		copy(vals, vec[g.Offset:g.Offset+g.Size()])
		named[g.Name] = vals
	}

	return named
}

// SetFromVectorBatch applies SetFromVector to a batch of flat vectors (one
// leading batch dimension), producing one independent named mapping per
// batch element.
func (r *ParamRegistry) SetFromVectorBatch(vecs [][]float64) []map[string][]float64 {
	out := make([]map[string][]float64, len(vecs))
	for i, vec := range vecs {
		out[i] = r.SetFromVector(vec)
	}

	return out
}

//////
// Factory.
//////

// NewParamRegistry returns an empty parameter registry.
func NewParamRegistry() *ParamRegistry {
	return &ParamRegistry{byName: make(map[string]int)}
}
