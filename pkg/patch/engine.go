package patch

import (
	"bytes"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/fwpatch/internal/utils"
	"github.com/blacktop/fwpatch/pkg/analysis"
	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/image"
)

// Outcome is the result of one rule.
type Outcome struct {
	Rule    string
	Patches int
	// Satisfied is set when every staged write was already present.
	Satisfied bool
	Err       error
}

// OK reports whether the rule succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Result summarizes a run.
type Result struct {
	Outcomes []Outcome
	// Applied counts committed patches that changed the buffer.
	Applied int
	// Succeeded counts rules that committed or were already satisfied.
	Succeeded int
}

// Failed returns the outcomes of rules that did not succeed.
func (r Result) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Committed is a patch written to the image by a rule.
type Committed struct {
	Patch
	Rule string
}

// Engine runs rules against one image.
type Engine struct {
	img    *image.Image
	an     *analysis.Analyzer
	dec    arm64.Decoder
	asm    arm64.Assembler
	render arm64.Renderer
	log    log.Interface
	radius int

	committed []Committed
}

// Option configures an Engine.
type Option func(*Engine)

// WithDecoder selects the instruction decoder.
func WithDecoder(d arm64.Decoder) Option { return func(e *Engine) { e.dec = d } }

// WithAssembler selects the assembler used for shellcode.
func WithAssembler(a arm64.Assembler) Option { return func(e *Engine) { e.asm = a } }

// WithRenderer selects how instructions are printed in logs.
func WithRenderer(r arm64.Renderer) Option { return func(e *Engine) { e.render = r } }

// WithLogger sets the logger rules and commits report through.
func WithLogger(l log.Interface) Option { return func(e *Engine) { e.log = l } }

// WithContext prints a before/after disassembly diff of radius instructions
// around every committed patch at debug level. Zero disables it.
func WithContext(radius int) Option { return func(e *Engine) { e.radius = radius } }

// NewEngine returns an engine over img.
func NewEngine(img *image.Image, opts ...Option) *Engine {
	e := &Engine{
		img:    img,
		dec:    arm64.Decomposed,
		asm:    arm64.NativeAssembler{},
		render: arm64.Text,
		log:    log.Log,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.an = analysis.New(img, e.dec)
	return e
}

// Analyzer returns the analyzer rules query.
func (e *Engine) Analyzer() *analysis.Analyzer { return e.an }

// Committed returns every patch written so far, in commit order.
func (e *Engine) Committed() []Committed { return e.committed }

// Run applies rules in order. Each rule stages into its own set, which is
// committed only when the rule returns nil; a failing rule leaves the buffer
// and the cave allocator as they were and the run continues.
func (e *Engine) Run(rules ...Rule) Result {
	var res Result
	for _, r := range rules {
		o := e.run(r)
		if o.OK() {
			res.Succeeded++
			res.Applied += o.Patches
		}
		res.Outcomes = append(res.Outcomes, o)
	}
	return res
}

func (e *Engine) context(r Rule) *Context {
	return &Context{
		Analyzer: e.an,
		Log:      e.log.WithField("rule", r.Name()),
		Asm:      e.asm,
		Renderer: e.render,
		Rule:     r.Name(),
	}
}

func (e *Engine) run(r Rule) (o Outcome) {
	o.Rule = r.Name()
	ctx := e.context(r)
	mark := e.an.Checkpoint()
	set := new(Set)

	defer func() {
		if v := recover(); v != nil {
			o.Err = fmt.Errorf("rule %s panicked: %v", r.Name(), v)
		}
		if o.Err != nil {
			e.an.Restore(mark)
			utils.Indent(ctx.Log.WithError(o.Err).Warn, 2)("Rule Failed")
		}
	}()

	if err := r.Apply(ctx, set); err != nil {
		o.Err = err
		return o
	}
	if set.Len() == 0 {
		o.Err = NotFound("no patch sites")
		return o
	}
	n, err := e.commit(ctx, set)
	if err != nil {
		o.Err = err
		return o
	}
	o.Patches = n
	o.Satisfied = n == 0
	if o.Satisfied {
		utils.Indent(ctx.Log.Info, 2)("Already Patched")
	}
	return o
}

func (e *Engine) commit(ctx *Context, set *Set) (int, error) {
	if err := set.Validate(e.img.Size()); err != nil {
		return 0, err
	}
	n := 0
	for _, p := range set.Patches() {
		cur := e.img.Data[p.Offset:p.End()]
		if bytes.Equal(cur, p.Bytes) {
			continue
		}
		for _, c := range e.committed {
			if c.Rule != ctx.Rule && c.Overlaps(p) {
				ctx.Log.WithField("other", c.Rule).Warnf("patch at %#x overwrites an earlier rule's patch", p.Offset)
			}
		}
		before := e.img.Describe(e.render, e.img.Data, p.Offset, len(p.Bytes))
		beforeHex := utils.HexBytes(cur)
		if err := e.img.Write(p.Offset, p.Bytes); err != nil {
			return n, err
		}
		utils.Indent(ctx.Log.WithFields(log.Fields{
			"offset": fmt.Sprintf("%#x", p.Offset),
			"before": beforeHex,
			"after":  utils.HexBytes(p.Bytes),
		}).Info, 2)(p.Reason)
		ctx.Log.Debugf("%s  =>  %s", before, e.img.Describe(e.render, e.img.Data, p.Offset, len(p.Bytes)))
		if e.radius > 0 {
			ctx.Log.Debug("\n" + e.img.Diff(e.render, p.Offset, len(p.Bytes), e.radius))
		}
		e.committed = append(e.committed, Committed{Patch: p, Rule: ctx.Rule})
		n++
	}
	return n, nil
}
