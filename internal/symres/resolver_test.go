package symres

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xyproto/eld/internal/arena"
	"github.com/xyproto/eld/internal/config"
	"github.com/xyproto/eld/internal/diag"
	"github.com/xyproto/eld/internal/input"
	"github.com/xyproto/eld/internal/script"
)

func newTestResolver() (*Resolver, *input.Store) {
	store := input.NewStore()
	opts := config.Default()
	return New(store, diag.New(nil), opts), store
}

// newTestInput registers an ObjectFile input with nsyms LDSymbol slots
// (index 0 reserved, like ELF's own null symtab entry) and returns its id.
func newTestInput(store *input.Store, path string, nsyms int) arena.InputId {
	id := store.AddInput(input.Input{ResolvedPath: path})
	obj := input.NewObjectFile(id)
	obj.Symbols = make([]input.LDSymbol, nsyms)
	store.Input(id).File = obj
	return id
}

func TestObserveDefinedThenUndefinedKeepsDefinition(t *testing.T) {
	r, store := newTestResolver()

	a := newTestInput(store, "a.o", 2)
	b := newTestInput(store, "b.o", 2)

	defID := r.Observe(Occurrence{Name: "foo", Type: elf.STT_FUNC, Binding: elf.STB_GLOBAL, Origin: a, Fragment: 1, SymTabIndex: 1})
	undefID := r.Observe(Occurrence{Name: "foo", Type: elf.STT_NOTYPE, Binding: elf.STB_GLOBAL, Origin: b, SymTabIndex: 1})

	require.Equal(t, defID, undefID, "both occurrences resolve to the same pooled entry")
	ri := store.Symbol(defID)
	require.Equal(t, input.DescDefined, ri.Desc)
	require.Equal(t, a, ri.Origin, "the defining input must stay recorded, not the later undefined ref")
}

func TestObserveMultipleDefinitionReportsDiagnosticUnlessAllowed(t *testing.T) {
	r, store := newTestResolver()
	a := newTestInput(store, "a.o", 1)
	b := newTestInput(store, "b.o", 1)

	r.Observe(Occurrence{Name: "foo", Type: elf.STT_FUNC, Binding: elf.STB_GLOBAL, Origin: a, Fragment: 1})
	r.Observe(Occurrence{Name: "foo", Type: elf.STT_FUNC, Binding: elf.STB_GLOBAL, Origin: b, Fragment: 2})

	require.Equal(t, 1, r.Diag.Count(diag.Error))
}

func TestObserveMultipleDefinitionAllowedSuppressesDiagnostic(t *testing.T) {
	store := input.NewStore()
	opts := config.Default()
	opts.AllowMultipleDefs = true
	r := New(store, diag.New(nil), opts)

	a := newTestInput(store, "a.o", 1)
	b := newTestInput(store, "b.o", 1)
	r.Observe(Occurrence{Name: "foo", Type: elf.STT_FUNC, Binding: elf.STB_GLOBAL, Origin: a, Fragment: 1})
	r.Observe(Occurrence{Name: "foo", Type: elf.STT_FUNC, Binding: elf.STB_GLOBAL, Origin: b, Fragment: 2})

	require.Equal(t, 0, r.Diag.Count(diag.Error))
}

func TestObserveCommonMergeTakesMaxSize(t *testing.T) {
	r, store := newTestResolver()
	a := newTestInput(store, "a.o", 1)
	b := newTestInput(store, "b.o", 1)

	id := r.Observe(Occurrence{Name: "g_counter", Type: elf.STT_COMMON, Binding: elf.STB_GLOBAL, Size: 4, Origin: a})
	r.Observe(Occurrence{Name: "g_counter", Type: elf.STT_COMMON, Binding: elf.STB_GLOBAL, Size: 16, Origin: b})

	ri := store.Symbol(id)
	require.Equal(t, input.DescCommon, ri.Desc)
	require.EqualValues(t, 16, ri.Size)
}

func TestResolveGroupPullsArchiveMemberForStrongUndefined(t *testing.T) {
	r, store := newTestResolver()

	main := newTestInput(store, "main.o", 2)
	r.Observe(Occurrence{Name: "helper", Type: elf.STT_NOTYPE, Binding: elf.STB_GLOBAL, Origin: main, SymTabIndex: 1})

	member := newTestInput(store, "libhelp.a(helper.o)", 2)
	r.ResolveGroup([]Member{
		{Input: member, Symbols: []Occurrence{
			{Name: "helper", Type: elf.STT_FUNC, Binding: elf.STB_GLOBAL, Origin: member, Fragment: 1, SymTabIndex: 1},
		}},
	})

	id, ok := r.Lookup("helper")
	require.True(t, ok)
	require.Equal(t, input.DescDefined, store.Symbol(id).Desc)
	require.Equal(t, member, store.Symbol(id).Origin)
}

func TestResolveGroupSkipsMemberForWeakUndefinedOnly(t *testing.T) {
	r, store := newTestResolver()

	main := newTestInput(store, "main.o", 2)
	r.Observe(Occurrence{Name: "optional_hook", Type: elf.STT_NOTYPE, Binding: elf.STB_WEAK, Origin: main, SymTabIndex: 1})

	member := newTestInput(store, "libhook.a(hook.o)", 2)
	r.ResolveGroup([]Member{
		{Input: member, Symbols: []Occurrence{
			{Name: "optional_hook", Type: elf.STT_FUNC, Binding: elf.STB_GLOBAL, Origin: member, Fragment: 1, SymTabIndex: 1},
		}},
	})

	id, _ := r.Lookup("optional_hook")
	require.Equal(t, input.DescWeakUndefined, store.Symbol(id).Desc, "a weak reference must never pull an archive member")
}

func TestForceExternPullsMemberWithNoPriorReference(t *testing.T) {
	r, store := newTestResolver()
	r.ForceExtern("ctor_hook")

	member := newTestInput(store, "libctor.a(ctor.o)", 2)
	r.ResolveGroup([]Member{
		{Input: member, Symbols: []Occurrence{
			{Name: "ctor_hook", Type: elf.STT_FUNC, Binding: elf.STB_GLOBAL, Origin: member, Fragment: 1, SymTabIndex: 1},
		}},
	})

	id, ok := r.Lookup("ctor_hook")
	require.True(t, ok)
	require.Equal(t, input.DescDefined, store.Symbol(id).Desc)
}

func TestApplyDynamicListMarksMatchingNames(t *testing.T) {
	r, store := newTestResolver()
	a := newTestInput(store, "a.o", 3)
	r.Observe(Occurrence{Name: "eld_public_api", Type: elf.STT_FUNC, Binding: elf.STB_GLOBAL, Origin: a, Fragment: 1, SymTabIndex: 1})
	r.Observe(Occurrence{Name: "internal_helper", Type: elf.STT_FUNC, Binding: elf.STB_GLOBAL, Origin: a, Fragment: 2, SymTabIndex: 2})

	r.ApplyDynamicList([]string{"eld_public_*"})

	require.True(t, r.DynamicExport("eld_public_api"))
	require.False(t, r.DynamicExport("internal_helper"))
}

func TestApplyVersionScriptHidesLocalSymbols(t *testing.T) {
	r, store := newTestResolver()
	a := newTestInput(store, "a.o", 3)
	r.Observe(Occurrence{Name: "eld_v1_api", Type: elf.STT_FUNC, Binding: elf.STB_GLOBAL, Origin: a, Fragment: 1, SymTabIndex: 1})
	r.Observe(Occurrence{Name: "secret_detail", Type: elf.STT_FUNC, Binding: elf.STB_GLOBAL, Origin: a, Fragment: 2, SymTabIndex: 2})

	r.ApplyVersionScript(&script.VersionCmd{Nodes: []script.VersionNode{
		{Name: "ELD_1.0", Global: []string{"eld_*"}, Local: []string{"secret_*"}},
	}})

	idPublic, _ := r.Lookup("eld_v1_api")
	idSecret, _ := r.Lookup("secret_detail")
	require.Equal(t, "ELD_1.0", store.Symbol(idPublic).Version)
	require.False(t, store.Symbol(idPublic).VersionLocal)
	require.True(t, store.Symbol(idSecret).VersionLocal)
}

func TestPatchableAliasMustResolveBeforePLTReady(t *testing.T) {
	r, store := newTestResolver()
	a := newTestInput(store, "a.o", 2)

	r.Observe(Occurrence{Name: "hot_path", Type: elf.STT_NOTYPE, Binding: elf.STB_GLOBAL, Origin: a, SymTabIndex: 1, Patchable: true})
	require.NoError(t, r.RequirePLTReady("hot_path"), "no alias observed yet: nothing to block on")

	b := newTestInput(store, "b.o", 2)
	r.Observe(Occurrence{Name: "__llvm_patchable_hot_path", Type: elf.STT_NOTYPE, Binding: elf.STB_GLOBAL, Origin: b, SymTabIndex: 1})
	require.Error(t, r.RequirePLTReady("hot_path"), "an alias known but still undefined must block PLT assignment")

	r.Observe(Occurrence{Name: "__llvm_patchable_hot_path", Type: elf.STT_FUNC, Binding: elf.STB_GLOBAL, Origin: b, Fragment: 3, SymTabIndex: 1})
	require.NoError(t, r.RequirePLTReady("hot_path"))
	_ = store
}
