// Package i18n holds the Ukrainian message catalog. Templates use fmt verbs;
// keys are referenced by the engine and dispatcher only.
package i18n

import "fmt"

var messages = map[string]string{
	// Patient-facing
	"reminder":       "Час прийняти ліки: %s. Підтвердіть прийом.",
	"reminder_retry": "Нагадування %d: час прийняти ліки: %s. Підтвердіть прийом.",
	"check_reminder": "Час виміряти: %s. Надішліть результат у відповідь.",
	"ack_confirm":    "Готово! Прийом зафіксовано.",
	"ack_preconfirm": "Прийнято заздалегідь. Зафіксовано: %s.",
	"ack_settled":    "Цей прийом вже зафіксовано.",
	"ack_pressure":   "Записав тиск %d/%d, пульс %d.",
	"ack_value":      "Записав: %s %g.",
	"err_pressure":   "Будь ласка, надішліть тиск у форматі «120/80/70».",
	"err_value":      "Будь ласка, надішліть одне число (наприклад, 72.4).",
	"help":           "Підтвердіть прийом ліків словом «ок» або кнопкою. Доступні вимірювання: тиск, вага, температура.",
	"unknown":        "Не вдалося розпізнати це повідомлення.",
	"btn_confirm":    "Ліки вже прийнято",

	// Caregiver-facing
	"alert_missed":        "Пацієнт (%s) пропустив: %s, %s.",
	"alert_vital":         "Увага! Пацієнт (%s): %s — %s.",
	"late_confirm_notice": "Пацієнт (%s) підтвердив прийом ПІСЛЯ ескалації: %s, %s.",
}

func T(key string, args ...interface{}) string {
	tmpl, ok := messages[key]
	if !ok {
		return key
	}
	if len(args) == 0 {
		return tmpl
	}
	return fmt.Sprintf(tmpl, args...)
}
