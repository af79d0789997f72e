package shape

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefinition_Validate(t *testing.T) {
	for _, tc := range []struct {
		desc        string
		definition  Definition
		expectedErr error
	}{
		{desc: "table only", definition: Definition{Table: "todos"}},
		{
			desc:       "everything set",
			definition: Definition{Table: "todos", Where: "completed = false", Columns: []string{"id", "title"}, Replica: ReplicaFull},
		},
		{desc: "missing table", definition: Definition{Where: "true"}, expectedErr: errNoTable},
		{desc: "blank table", definition: Definition{Table: "  "}, expectedErr: errNoTable},
		{desc: "unknown replica", definition: Definition{Table: "todos", Replica: "partial"}, expectedErr: errInvalidReplica},
		{desc: "empty column", definition: Definition{Table: "todos", Columns: []string{"id", ""}}, expectedErr: errEmptyColumn},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.definition.Validate()
			if tc.expectedErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.expectedErr)
		})
	}
}

func TestDefinition_ID(t *testing.T) {
	base := Definition{Table: "todos", Where: "completed = false"}

	require.Equal(t, base.ID(), Definition{Table: "todos", Where: "completed = false"}.ID())
	require.Equal(t, base.ID(), Definition{Table: "todos", Where: "completed = false", Replica: ReplicaDefault}.ID(),
		"the default replica mode must not change the ID")
	require.Len(t, base.ID(), 32)

	for _, other := range []Definition{
		{Table: "todos"},
		{Table: "todos", Where: "completed = true"},
		{Table: "todos", Where: "completed = false", Columns: []string{"id"}},
		{Table: "todos", Where: "completed = false", Replica: ReplicaFull},
		{Table: "todo", Where: "scompleted = false"},
	} {
		require.NotEqual(t, base.ID(), other.ID(), "%s", other)
	}
}

func TestDefinition_Encode(t *testing.T) {
	for _, tc := range []struct {
		desc       string
		definition Definition
		expected   url.Values
	}{
		{
			desc:       "table only",
			definition: Definition{Table: "todos"},
			expected:   url.Values{"table": {"todos"}, "replica": {"default"}},
		},
		{
			desc:       "full definition",
			definition: Definition{Table: "public.todos", Where: "completed = false", Columns: []string{"id", "title"}, Replica: ReplicaFull},
			expected: url.Values{
				"table":   {"public.todos"},
				"where":   {"completed = false"},
				"columns": {"id,title"},
				"replica": {"full"},
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			values := url.Values{}
			tc.definition.Encode(values)
			require.Equal(t, tc.expected, values)
		})
	}
}

func TestDefinition_String(t *testing.T) {
	require.Equal(t, "todos", Definition{Table: "todos"}.String())
	require.Equal(t, "todos(id,title) WHERE completed = false",
		Definition{Table: "todos", Columns: []string{"id", "title"}, Where: "completed = false"}.String())
}

func TestDefinition_Predicate(t *testing.T) {
	require.Nil(t, Definition{Table: "todos"}.Predicate())

	predicate := Definition{Table: "todos", Where: "completed = false"}.Predicate()
	require.NotNil(t, predicate)
	require.NoError(t, predicate.Err())
	require.Equal(t, "completed = false", predicate.String())
}
