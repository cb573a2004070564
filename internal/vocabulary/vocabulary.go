// Package vocabulary содержит закрытый словарь канонических действий агента
// и таблицу синонимов. Обе структуры строятся один раз на старте, неизменяемы
// и разделяются всеми вызывающими по ссылке - блокировки не нужны.
package vocabulary

import (
	"fmt"
	"strings"
)

// Synonym - отображение фразы свободного текста на каноническое действие.
type Synonym struct {
	Phrase    string
	Canonical string
}

// Vocabulary - закрытый словарь действий плюс таблица синонимов.
// Порядок объявления значим: при сканировании свободного текста побеждает
// первое объявленное совпадение, а не самое длинное.
type Vocabulary struct {
	actions    []string
	actionSet  map[string]struct{}
	synonyms   []Synonym
	synonymMap map[string]string
}

// New строит словарь и проверяет инварианты:
//   - действия не дублируются;
//   - каждый синоним указывает на существующее действие;
//   - фраза синонима не совпадает с каноническим id (цепочки запрещены);
//   - фразы синонимов не дублируются.
func New(actions []string, synonyms []Synonym) (*Vocabulary, error) {
	if len(actions) == 0 {
		return nil, fmt.Errorf("словарь действий пуст")
	}

	v := &Vocabulary{
		actions:    make([]string, 0, len(actions)),
		actionSet:  make(map[string]struct{}, len(actions)),
		synonyms:   make([]Synonym, 0, len(synonyms)),
		synonymMap: make(map[string]string, len(synonyms)),
	}

	for _, a := range actions {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			return nil, fmt.Errorf("пустой идентификатор действия")
		}
		if _, dup := v.actionSet[a]; dup {
			return nil, fmt.Errorf("дубликат действия %q", a)
		}
		v.actions = append(v.actions, a)
		v.actionSet[a] = struct{}{}
	}

	for _, s := range synonyms {
		phrase := strings.ToLower(strings.TrimSpace(s.Phrase))
		canonical := strings.ToLower(strings.TrimSpace(s.Canonical))
		if phrase == "" || canonical == "" {
			return nil, fmt.Errorf("пустой синоним %q -> %q", s.Phrase, s.Canonical)
		}
		if _, ok := v.actionSet[canonical]; !ok {
			return nil, fmt.Errorf("синоним %q указывает на неизвестное действие %q", phrase, canonical)
		}
		if _, isAction := v.actionSet[phrase]; isAction {
			// Канонический id не может быть синонимом другого действия.
			return nil, fmt.Errorf("фраза %q уже является каноническим действием", phrase)
		}
		if _, dup := v.synonymMap[phrase]; dup {
			return nil, fmt.Errorf("дубликат синонима %q", phrase)
		}
		v.synonyms = append(v.synonyms, Synonym{Phrase: phrase, Canonical: canonical})
		v.synonymMap[phrase] = canonical
	}

	return v, nil
}

// MustNew - как New, но паникует при ошибке. Для фиксированных на этапе
// сборки словарей.
func MustNew(actions []string, synonyms []Synonym) *Vocabulary {
	v, err := New(actions, synonyms)
	if err != nil {
		panic(err)
	}
	return v
}

// Contains сообщает, входит ли id в канонический словарь.
func (v *Vocabulary) Contains(id string) bool {
	_, ok := v.actionSet[strings.ToLower(strings.TrimSpace(id))]
	return ok
}

// Resolve приводит имя к каноническому действию: сначала через таблицу
// синонимов, затем по точному совпадению со словарем. Второе возвращаемое
// значение - признак успеха. Дефолтное действие не подставляется никогда.
func (v *Vocabulary) Resolve(name string) (string, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := v.synonymMap[name]; ok {
		return canonical, true
	}
	if _, ok := v.actionSet[name]; ok {
		return name, true
	}
	return "", false
}

// Actions возвращает копию списка канонических действий в порядке объявления.
func (v *Vocabulary) Actions() []string {
	out := make([]string, len(v.actions))
	copy(out, v.actions)
	return out
}

// Synonyms возвращает копию таблицы синонимов в порядке объявления.
func (v *Vocabulary) Synonyms() []Synonym {
	out := make([]Synonym, len(v.synonyms))
	copy(out, v.synonyms)
	return out
}

// Default - фиксированный словарь действий игровых агентов.
// Состав закрыт на этапе сборки; меняется только вместе с кодом.
func Default() *Vocabulary {
	return MustNew(
		[]string{
			"pick",
			"gather",
			"build",
			"plan_build",
			"talk",
			"follow_agent",
			"till",
			"plant",
			"deposit_items",
			"call_meeting",
			"set_priorities",
			"explore",
			"wander",
			"idle",
			"rest",
		},
		[]Synonym{
			{Phrase: "harvest", Canonical: "gather"},
			{Phrase: "seek_food", Canonical: "gather"},
			{Phrase: "construct", Canonical: "build"},
			{Phrase: "sleep", Canonical: "rest"},
			{Phrase: "chat", Canonical: "talk"},
			{Phrase: "roam", Canonical: "wander"},
		},
	)
}
