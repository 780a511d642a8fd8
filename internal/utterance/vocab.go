package utterance

// Vocabulary for the utterance classifier. Tokens are matched against the
// NFKC-normalized form produced by [NormalizeToken], so every entry here is
// already lowercase with no internal punctuation.

// commonFillers are pure hesitation noises in any supported language.
var commonFillers = map[string]struct{}{
	"嗯": {}, "嗯嗯": {}, "嗯嗯嗯": {},
	"啊": {}, "啊啊": {}, "啊啊啊": {},
	"呃": {}, "额": {}, "哦": {}, "噢": {},
	"uh": {}, "um": {}, "hmm": {}, "ah": {}, "oh": {},
	"yeah": {}, "yep": {}, "mhm": {}, "erm": {}, "huh": {},
	"yeahyeah": {}, "yepyep": {},
}

// zhFillerChars are the CJK hesitation characters; a short token made only of
// these is a filler even when the exact spelling is not in commonFillers.
var zhFillerChars = map[rune]struct{}{
	'嗯': {}, '啊': {}, '呃': {}, '额': {}, '哦': {}, '噢': {}, '诶': {}, '欸': {}, '哎': {},
}

var enFillerWords = map[string]struct{}{
	"uh": {}, "um": {}, "hmm": {}, "ah": {}, "oh": {},
	"yeah": {}, "yep": {}, "mhm": {}, "erm": {}, "huh": {},
}

// enLowSemanticWords are English function words that carry no intent on their
// own (articles, prepositions, conjunctions, copulas).
var enLowSemanticWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {},
	"to": {}, "of": {}, "in": {}, "on": {}, "at": {}, "for": {}, "from": {}, "by": {}, "with": {}, "as": {},
	"and": {}, "or": {}, "but": {}, "if": {}, "so": {}, "than": {},
	"is": {}, "am": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {}, "being": {},
}

// lowSemanticSingleTokens are single tokens that ASR emits as stranded
// particles when a segment boundary cuts mid-phrase.
var lowSemanticSingleTokens = map[string]struct{}{
	// zh / yue virtual words
	"的": {}, "了": {}, "呢": {}, "吗": {}, "嘛": {}, "吧": {}, "呀": {}, "啊": {}, "哦": {}, "哇": {}, "哈": {}, "欸": {},
	// en
	"the": {}, "a": {}, "an": {}, "to": {}, "of": {}, "in": {}, "on": {}, "at": {}, "for": {}, "and": {}, "or": {}, "but": {},
	// ja particles / low semantic singles
	"は": {}, "が": {}, "を": {}, "に": {}, "で": {}, "へ": {}, "の": {}, "と": {}, "も": {}, "や": {}, "ね": {}, "よ": {}, "か": {}, "な": {}, "さ": {},
	// ko particles / endings
	"은": {}, "는": {}, "이": {}, "가": {}, "을": {}, "를": {}, "에": {}, "에서": {}, "와": {}, "과": {}, "도": {}, "요": {}, "네": {},
}

// keepShortTokens are short confirmations and commands that must reach the
// backend even below the minimum text length.
var keepShortTokens = map[string]struct{}{
	// zh / yue
	"好的": {}, "可以": {}, "可以的": {}, "行": {}, "行的": {}, "明白": {}, "收到": {}, "继续": {}, "停止": {}, "取消": {}, "不对": {}, "对": {}, "是的": {},
	"得": {}, "得啦": {}, "好呀": {}, "可以呀": {},
	// en
	"ok": {}, "okay": {}, "sure": {}, "yes": {}, "no": {}, "continue": {}, "stop": {}, "cancel": {}, "wait": {}, "gotit": {}, "gotcha": {}, "roger": {},
	// ja
	"はい": {}, "了解": {}, "わかった": {}, "オッケー": {}, "いいよ": {}, "続けて": {}, "中止": {}, "キャンセル": {},
	// ko
	"네": {}, "예": {}, "알겠어": {}, "알겠습니다": {}, "좋아요": {}, "계속": {}, "중지": {}, "취소": {}, "오케이": {},
}

// dropFillerTokens extends commonFillers with a few spellings seen in the
// wild that never survive normalization into a filler entry on their own.
var dropFillerTokens = func() map[string]struct{} {
	m := make(map[string]struct{}, len(commonFillers)+4)
	for t := range commonFillers {
		m[t] = struct{}{}
	}
	for _, t := range []string{"응", "...", "。。", ".."} {
		m[t] = struct{}{}
	}
	return m
}()
