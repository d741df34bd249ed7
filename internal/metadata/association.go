package metadata

const (
	BelongsTo  = "belongs_to"
	HasOne     = "has_one"
	HasMany    = "has_many"
	ManyToMany = "many_to_many"
)

// Association links a model to a target model for eager loading.
//
// belongs_to: ForeignKey lives on the owner and references the target PK.
// has_one/has_many: ForeignKey lives on the target and references the owner PK.
// many_to_many: JoinTable holds SourceJoinKey (owner PK) and TargetJoinKey (target PK).
type Association struct {
	Name          string `json:"name" yaml:"name"`
	Type          string `json:"type" yaml:"type"`
	Target        string `json:"target" yaml:"target"`
	ForeignKey    string `json:"foreign_key,omitempty" yaml:"foreign_key,omitempty"`
	JoinTable     string `json:"join_table,omitempty" yaml:"join_table,omitempty"`
	SourceJoinKey string `json:"source_join_key,omitempty" yaml:"source_join_key,omitempty"`
	TargetJoinKey string `json:"target_join_key,omitempty" yaml:"target_join_key,omitempty"`
}

func (a *Association) IsBelongsTo() bool  { return a.Type == BelongsTo }
func (a *Association) IsManyToMany() bool { return a.Type == ManyToMany }

// IsSingular reports whether the association resolves to at most one row.
func (a *Association) IsSingular() bool {
	return a.Type == BelongsTo || a.Type == HasOne
}
