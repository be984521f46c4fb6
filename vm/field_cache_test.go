package vm

import "testing"

type account struct {
	Owner   string
	Balance int64 `tern:"balance,omitempty"`
	Limit   float64
	secret  string
}

func TestFieldCacheLoad(t *testing.T) {
	var c FieldCache
	acct := &account{Owner: "ada", Balance: 10, Limit: 2.5, secret: "x"}
	tests := []struct {
		name  string
		obj   Value
		field string
		want  Value
		exc   string
	}{
		{"by name", FromRef(acct), "Owner", FromString("ada"), ""},
		{"by tag ignoring options", FromRef(acct), "balance", FromInt(10), ""},
		{"struct value", FromRef(*acct), "Limit", FromFloat64(2.5), ""},
		{"unexported", FromRef(acct), "secret", Nil, ExcMissingField},
		{"missing", FromRef(acct), "Nope", Nil, ExcMissingField},
		{"nil object", Nil, "Owner", Nil, ExcNilReference},
		{"nil pointer", FromRef((*account)(nil)), "Owner", Nil, ExcNilReference},
		{"not a struct", FromInt(3), "Owner", Nil, ExcTypeError},
		{"map key", FromRef(map[string]Value{"k": FromInt(1)}), "k", FromInt(1), ""},
		{"missing map key", FromRef(map[string]Value{}), "k", Nil, ExcMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, exc := c.Load(tt.obj, tt.field)
			if tt.exc != "" {
				if exc == nil || exc.Kind != tt.exc {
					t.Fatalf("exception = %v, want %s", exc, tt.exc)
				}
				return
			}
			if exc != nil {
				t.Fatal(exc)
			}
			if got.Kind() != tt.want.Kind() || !Equal(got, tt.want) {
				t.Errorf("Load = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFieldCacheStore(t *testing.T) {
	var c FieldCache
	acct := &account{}
	if exc := c.Store(FromRef(acct), "balance", FromInt(5)); exc != nil {
		t.Fatal(exc)
	}
	if exc := c.Store(FromRef(acct), "Limit", FromInt(3)); exc != nil {
		t.Fatal(exc)
	}
	if acct.Balance != 5 || acct.Limit != 3 {
		t.Errorf("account = %+v", *acct)
	}

	m := map[string]Value{}
	if exc := c.Store(FromRef(m), "k", True); exc != nil || !m["k"].Bool() {
		t.Errorf("map store: %v, %v", exc, m)
	}

	failures := []struct {
		name string
		obj  Value
		val  Value
		exc  string
	}{
		{"Owner", FromRef(*acct), FromString("x"), ExcTypeError},
		{"Owner", FromRef(acct), FromInt(1), ExcTypeError},
		{"Nope", FromRef(acct), FromInt(1), ExcMissingField},
		{"Owner", Nil, FromString("x"), ExcNilReference},
		{"Owner", FromRef((*account)(nil)), FromString("x"), ExcNilReference},
	}
	for _, f := range failures {
		if exc := c.Store(f.obj, f.name, f.val); exc == nil || exc.Kind != f.exc {
			t.Errorf("Store(%v, %s) = %v, want %s", f.obj, f.name, exc, f.exc)
		}
	}
}

func TestFieldCacheRemembersLookups(t *testing.T) {
	var c FieldCache
	acct := &account{Owner: "ada"}
	for i := 0; i < 3; i++ {
		c.Load(FromRef(acct), "Owner")
		c.Load(FromRef(acct), "Nope")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}
