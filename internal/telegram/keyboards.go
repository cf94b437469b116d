package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/TGImageBot/internal/config"
)

const (
	textWelcome          = "🎨 Добро пожаловать в лабораторию\n\nБаланс: %d генераций"
	textTrialGranted     = "\n\n🎁 Ты получил 1 бесплатную генерацию!"
	textChooseAction     = "\n\n👇 Выбери действие"
	textMainMenu         = "Главное меню"
	textBalance          = "Баланс: %d генераций"
	textChoosePackage    = "Выбери пакет:"
	textAskPrompt        = "Напиши описание картинки ✍️"
	textAskPhoto         = "Отправь фото + подпись (какой стиль сделать)"
	textHelp             = "Напиши описание, и я сгенерирую картинку. Пришли фото с подписью, и я изменю его в нужном стиле.\n\nКаждая генерация стоит 1 кредит.\n\n/start — главное меню\n/balance — баланс\n/shop — купить генерации\n/create — картинка по описанию\n/edit — изменить фото"
	textGenerating       = "Генерю..."
	textProcessing       = "Обрабатываю..."
	textNoCredits        = "Нет генераций ❌ Открой Магазин"
	textFailedRefunded   = "Не удалось сгенерировать картинку 😔 Генерация возвращена на баланс."
	textFailed           = "Не удалось сгенерировать картинку 😔 Попробуй ещё раз позже."
	textInternalError    = "Что-то пошло не так, попробуй позже."
	textNotImage         = "Это не изображение. Пришли фото или картинку."
	textDownloadFailed   = "Не удалось загрузить фото, попробуй снова."
	textPaid             = "Оплачено ✅\nБаланс: %d"
	textPaidDuplicate    = "Этот платёж уже зачислен ✅\nБаланс: %d"
	textPaymentMismatch  = "Платёж получен, но не совпал ни с одним пакетом. Мы проверим его вручную."
	textPaymentFailed    = "Не удалось зачислить оплату. Мы проверим её вручную."
	textPackageUnknown   = "Пакет недоступен, открой магазин заново."
	textInvoiceFailed    = "Не удалось выставить счёт, попробуй позже."
	invoiceStartParam    = "topup"
	defaultEditFileName  = "edit.png"
	defaultImageFileName = "image.png"
)

var packageMarkers = []string{"⚪", "🟢", "🔵", "🟣"}

func mainMenu() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🖼 Создать", callbackMenuPrefix+string(ActionCreate)),
			tgbotapi.NewInlineKeyboardButtonData("📸 Фото с описанием", callbackMenuPrefix+string(ActionEdit)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💎 Магазин", callbackMenuPrefix+string(ActionShop)),
			tgbotapi.NewInlineKeyboardButtonData("👤 Баланс", callbackMenuPrefix+string(ActionBalance)),
		),
	)
}

func shopMenu(packages []config.Package) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(packages)+1)
	for i, p := range packages {
		marker := packageMarkers[len(packageMarkers)-1]
		if i < len(packageMarkers) {
			marker = packageMarkers[i]
		}
		label := fmt.Sprintf("%s %s • %d фото • %d⭐", marker, p.Title, p.Credits, p.Amount)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, callbackBuyPrefix+p.ID),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад", callbackMenuPrefix+string(ActionBack)),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
