package schemadiff

import (
	"fmt"
	"strings"
)

// Kind tags a Change.
type Kind string

const (
	CreateEntity        Kind = "create_entity"
	DeleteEntity        Kind = "delete_entity"
	RenameEntity        Kind = "rename_entity"
	AddField            Kind = "add_field"
	RemoveField         Kind = "remove_field"
	AlterField          Kind = "alter_field"
	RenameField         Kind = "rename_field"
	AddIndex            Kind = "add_index"
	RemoveIndex         Kind = "remove_index"
	AlterUniqueTogether Kind = "alter_unique_together"
)

// Change is one structural difference. Entity is the full name in the
// newer snapshot, or in the older one for DeleteEntity. Which of the other
// members are set depends on Kind:
//
//	create_entity, delete_entity   NewEntity or OldEntity
//	rename_entity                  OldName, OldEntity, NewEntity
//	add_field, remove_field        Field, NewField or OldField
//	alter_field                    Field, Options, OldField, NewField
//	rename_field                   Field, OldName, OldField, NewField
//	add_index, remove_index        NewIndex or OldIndex
//	alter_unique_together          OldUnique, NewUnique
type Change struct {
	Kind   Kind   `json:"kind" yaml:"kind"`
	Entity string `json:"entity" yaml:"entity"`

	Field   string `json:"field,omitempty" yaml:"field,omitempty"`
	OldName string `json:"old_name,omitempty" yaml:"old_name,omitempty"`

	// Options lists the changed field options of an alter_field change.
	Options []string `json:"options,omitempty" yaml:"options,omitempty"`

	OldEntity *EntityShape `json:"old_entity,omitempty" yaml:"old_entity,omitempty"`
	NewEntity *EntityShape `json:"new_entity,omitempty" yaml:"new_entity,omitempty"`
	OldField  *FieldShape  `json:"old_field,omitempty" yaml:"old_field,omitempty"`
	NewField  *FieldShape  `json:"new_field,omitempty" yaml:"new_field,omitempty"`
	OldIndex  *IndexShape  `json:"old_index,omitempty" yaml:"old_index,omitempty"`
	NewIndex  *IndexShape  `json:"new_index,omitempty" yaml:"new_index,omitempty"`

	OldUnique [][]string `json:"old_unique,omitempty" yaml:"old_unique,omitempty"`
	NewUnique [][]string `json:"new_unique,omitempty" yaml:"new_unique,omitempty"`
}

func (c Change) String() string {
	switch c.Kind {
	case RenameEntity:
		return fmt.Sprintf("%s %s -> %s", c.Kind, c.OldName, c.Entity)
	case RenameField:
		return fmt.Sprintf("%s %s.%s -> %s", c.Kind, c.Entity, c.OldName, c.Field)
	case AlterField:
		return fmt.Sprintf("%s %s.%s (%s)", c.Kind, c.Entity, c.Field, strings.Join(c.Options, ", "))
	case AddField, RemoveField:
		return fmt.Sprintf("%s %s.%s", c.Kind, c.Entity, c.Field)
	case AddIndex:
		return fmt.Sprintf("%s %s (%s)", c.Kind, c.Entity, strings.Join(c.NewIndex.Fields, ", "))
	case RemoveIndex:
		return fmt.Sprintf("%s %s (%s)", c.Kind, c.Entity, strings.Join(c.OldIndex.Fields, ", "))
	}
	return fmt.Sprintf("%s %s", c.Kind, c.Entity)
}
