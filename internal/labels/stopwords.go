package labels

// englishStopWords covers common English function words plus boilerplate
// that recurs across nearly every ATT&CK description.
var englishStopWords = []string{
	"a", "about", "above", "after", "again", "against", "all", "also", "am", "an",
	"and", "any", "are", "as", "at", "be", "because", "been", "before", "being",
	"below", "between", "both", "but", "by", "can", "could", "did", "do", "does",
	"doing", "down", "during", "each", "either", "etc", "even", "few", "for", "from",
	"further", "had", "has", "have", "having", "he", "her", "here", "hers", "him",
	"his", "how", "however", "if", "in", "include", "including", "into", "is", "it",
	"its", "itself", "just", "may", "might", "more", "most", "much", "must", "my",
	"no", "nor", "not", "now", "of", "off", "often", "on", "once", "one",
	"only", "or", "other", "otherwise", "our", "out", "over", "own", "same", "several",
	"she", "should", "since", "so", "some", "such", "than", "that", "the", "their",
	"them", "then", "there", "these", "they", "this", "those", "through", "thus", "to",
	"too", "under", "until", "up", "upon", "use", "used", "uses", "using", "very",
	"via", "was", "we", "were", "what", "when", "where", "whether", "which", "while",
	"who", "whom", "why", "will", "with", "within", "without", "would", "you", "your",
	// ATT&CK boilerplate
	"adversaries", "adversary", "attacker", "attackers", "citation", "example",
	"group", "groups", "may", "malicious", "technique", "techniques", "threat",
	"activity", "activities", "based", "known", "like", "many", "new", "well",
}
