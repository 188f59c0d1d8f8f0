package domain

import "fmt"

// Coordinate именованная точка экрана агента. (0,0) означает "не задано".
type Coordinate struct {
	Name        string `json:"name"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
	Description string `json:"description"`
	Group       string `json:"group"`
	Set         bool   `json:"is_set"`
}

// CoordinateSpec описание точки из каталога.
type CoordinateSpec struct {
	Name        string
	Description string
	Group       string
}

// CoordinateGroup группа точек для UI.
type CoordinateGroup struct {
	ID    string
	Title string
	Names []string
}

// Каталог точек. Порядок важен: в нем же отдаются координаты.
var CoordinateCatalog = []CoordinateSpec{
	{"rleftT", "цена запроса, верхний левый угол", "main"},
	{"rrightB", "цена запроса, нижний правый угол", "main"},
	{"pleftT", "цена лота, верхний левый угол", "main"},
	{"prightB", "цена лота, нижний правый угол", "main"},
	{"bleftT", "баланс, верхний левый угол", "main"},
	{"brightB", "баланс, нижний правый угол", "main"},
	{"paste", "кнопка \"вставить\"", "main"},
	{"inpClose", "OK в поле ввода", "main"},

	{"prinp", "цена в поле ввода (ПК)", "pc"},

	{"nleftT", "название скина, верхний левый угол", "notifications"},
	{"nrightB", "название скина, нижний правый угол", "notifications"},

	{"sell", "кнопка продажи", "autosell"},
	{"chskin", "выбор скина", "autosell"},
	{"select", "подтверждение выбора", "autosell"},
	{"inprice", "поле ввода цены", "autosell"},

	{"invent", "инвентарь", "restskin"},
	{"market", "рынок", "restskin"},
	{"myreq", "мои запросы", "restskin"},
	{"reqbuy", "запросы на покупку", "restskin"},
	{"tenskin", "десятый скин", "restskin"},
	{"findmark", "поиск на рынке", "restskin"},

	{"back", "назад при осмотре скина", "additional"},
	{"ok", "OK в окне ошибки", "additional"},
	{"arrow", "стрелка назад", "additional"},
}

var CoordinateGroups = []CoordinateGroup{
	{ID: "main", Title: "Основные"},
	{ID: "pc", Title: "ПК"},
	{ID: "notifications", Title: "Уведомления"},
	{ID: "autosell", Title: "Автопродажа"},
	{ID: "restskin", Title: "Перезаход"},
	{ID: "additional", Title: "Дополнительные"},
}

func init() {
	for i := range CoordinateGroups {
		for _, spec := range CoordinateCatalog {
			if spec.Group == CoordinateGroups[i].ID {
				CoordinateGroups[i].Names = append(CoordinateGroups[i].Names, spec.Name)
			}
		}
	}
}

// LookupCoordinate ищет точку в каталоге.
func LookupCoordinate(name string) (CoordinateSpec, bool) {
	for _, spec := range CoordinateCatalog {
		if spec.Name == name {
			return spec, true
		}
	}
	return CoordinateSpec{}, false
}

// ValidateCoordinate проверяет имя и диапазон значений.
func ValidateCoordinate(name string, x, y int) error {
	if _, ok := LookupCoordinate(name); !ok {
		return fmt.Errorf("%w: unknown coordinate %q", ErrNotFound, name)
	}
	if x < 0 || x > MaxCoordVal || y < 0 || y > MaxCoordVal {
		return fmt.Errorf("%w: coordinate must be in 0..%d", ErrValidation, MaxCoordVal)
	}
	return nil
}

// MergeCoordinates накладывает сохраненные значения на каталог.
func MergeCoordinates(overrides map[string][2]int) []Coordinate {
	out := make([]Coordinate, 0, len(CoordinateCatalog))
	for _, spec := range CoordinateCatalog {
		c := Coordinate{Name: spec.Name, Description: spec.Description, Group: spec.Group}
		if xy, ok := overrides[spec.Name]; ok {
			c.X, c.Y = xy[0], xy[1]
			c.Set = xy != [2]int{0, 0}
		}
		out = append(out, c)
	}
	return out
}
