package pii

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_MasksPhoneFormats(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		want  string
		phone string
	}{
		{
			name:  "international",
			text:  "Мій номер +380671234567, передзвоніть",
			want:  "Мій номер [PHONE_1], передзвоніть",
			phone: "+380671234567",
		},
		{
			name:  "spaced",
			text:  "телефон 067 123 45 67",
			want:  "телефон [PHONE_1]",
			phone: "067 123 45 67",
		},
		{
			name:  "dashed",
			text:  "067-123-45-67 це робочий",
			want:  "[PHONE_1] це робочий",
			phone: "067-123-45-67",
		},
		{
			name:  "parenthesized",
			text:  "дзвоніть на (067) 123-45-67",
			want:  "дзвоніть на [PHONE_1]",
			phone: "(067) 123-45-67",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVault()
			got := v.Mask(tt.text)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.text, v.Restore(got))
		})
	}
}

func TestVault_ShortNumberStaysUnmasked(t *testing.T) {
	v := NewVault()
	// Six digits is below the phone threshold; house numbers and tire
	// sizes must survive.
	assert.Equal(t, "будинок 123456", v.Mask("будинок 123456"))
	assert.Equal(t, "розмір 205 55", v.Mask("розмір 205 55"))
}

func TestVault_StablePlaceholdersAcrossCalls(t *testing.T) {
	v := NewVault()

	first := v.Mask("дзвонив Іван Петренко з +380671234567")
	second := v.Mask("Іван Петренко чекає на +380671234567")

	assert.Equal(t, "дзвонив [NAME_1] з [PHONE_1]", first)
	assert.Equal(t, "[NAME_1] чекає на [PHONE_1]", second)
}

func TestVault_DistinctValuesGetDistinctPlaceholders(t *testing.T) {
	v := NewVault()

	got := v.Mask("Іван Петренко і Олена Коваль, номери +380671234567 та +380509876543")

	assert.Equal(t, "[NAME_1] і [NAME_2], номери [PHONE_1] та [PHONE_2]", got)
}

func TestVault_StreetNameNotMasked(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "abbreviated keyword",
			text: "Мене звати Іван Петренко, адреса вул. Лесі Українки 12",
			want: "Мене звати [NAME_1], адреса вул. Лесі Українки 12",
		},
		{
			name: "full keyword",
			text: "доставка на проспект Степана Бандери",
			want: "доставка на проспект Степана Бандери",
		},
		{
			name: "genitive keyword",
			text: "склад біля вулиці Івана Франка",
			want: "склад біля вулиці Івана Франка",
		},
		{
			name: "keyword only shields the following name",
			text: "вул. Лесі Українки, отримувач Олена Коваль",
			want: "вул. Лесі Українки, отримувач [NAME_1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVault()
			assert.Equal(t, tt.want, v.Mask(tt.text))
		})
	}
}

func TestVault_MaskIdempotent(t *testing.T) {
	v := NewVault()

	once := v.Mask("Іван Петренко, +380671234567")
	twice := v.Mask(once)

	assert.Equal(t, once, twice)
}

func TestVault_RestoreUnknownPlaceholderLeftAsIs(t *testing.T) {
	v := NewVault()
	v.Mask("Іван Петренко")

	assert.Equal(t, "Іван Петренко та [NAME_7]", v.Restore("[NAME_1] та [NAME_7]"))
}

func TestVault_RestoreInArgs(t *testing.T) {
	v := NewVault()
	masked := v.Mask("Іван Петренко просить передзвонити на +380671234567")
	require.Equal(t, "[NAME_1] просить передзвонити на [PHONE_1]", masked)

	args := map[string]any{
		"customer": "[NAME_1]",
		"priority": 2,
		"contact": map[string]any{
			"phone": "[PHONE_1]",
			"note":  "дзвонити після 18:00",
		},
		"tags": []any{"callback", "[NAME_1]", 7},
	}

	restored := v.RestoreInArgs(args)

	assert.Equal(t, map[string]any{
		"customer": "Іван Петренко",
		"priority": 2,
		"contact": map[string]any{
			"phone": "+380671234567",
			"note":  "дзвонити після 18:00",
		},
		"tags": []any{"callback", "Іван Петренко", 7},
	}, restored)
	// The input map is left untouched.
	assert.Equal(t, "[NAME_1]", args["customer"])
}

func TestVault_EmptyAndPlainText(t *testing.T) {
	v := NewVault()

	assert.Equal(t, "", v.Mask(""))
	assert.Equal(t, "", v.Restore(""))
	assert.Equal(t, "просто текст без даних", v.Mask("просто текст без даних"))
}
